package firewall

import "regexp"

func mustMACRegexp() *regexp.Regexp {
	return regexp.MustCompile(`^([0-9A-F]{2}:){5}[0-9A-F]{2}$`)
}
