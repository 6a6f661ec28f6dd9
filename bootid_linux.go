//go:build linux

package tern

import "os"

// currentBootID reads the kernel's boot UUID. A meta whose bootid
// matches was written in this same OS lifetime, which upgrades a weak
// meta to an acceptable recovery target.
func currentBootID() [16]byte {
	var id [16]byte
	raw, err := os.ReadFile("/proc/sys/kernel/random/boot_id")
	if err != nil {
		return id
	}
	// The uuid is textual ("xxxxxxxx-xxxx-..."); pack its hex nibbles.
	n := 0
	var hi byte
	half := false
	for _, ch := range raw {
		var v byte
		switch {
		case ch >= '0' && ch <= '9':
			v = byte(ch - '0')
		case ch >= 'a' && ch <= 'f':
			v = byte(ch-'a') + 10
		case ch >= 'A' && ch <= 'F':
			v = byte(ch-'A') + 10
		default:
			continue
		}
		if !half {
			hi = v
			half = true
		} else {
			if n < len(id) {
				id[n] = hi<<4 | v
				n++
			}
			half = false
		}
	}
	return id
}
