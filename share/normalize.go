// Package share canonicalizes file paths across the conventions used by
// clients and hosts to address the SMB shares: UNC paths, mapped drive
// letters, smb:// URLs, macOS /Volumes paths and container bind mounts.
package share

import "strings"

// Drive letters assigned to each share on the direct-access Windows hosts.
var driveByShare = map[string]string{
	"Share":       "S:",
	"Share2":      "T:",
	"Share3":      "U:",
	"Share4":      "V:",
	"Share5":      "W:",
	"New_Share_1": "O:",
	"New_Share_2": "P:",
	"New_Share_3": "Q:",
	"New_Share_4": "R:",
}

// Bind-mount roots inside the worker containers. The New_Share_* shares are
// not mounted and stay in UNC form even in container mode.
var mountByShare = map[string]string{
	"Share":  "/mnt/share",
	"Share2": "/mnt/share2",
	"Share3": "/mnt/share3",
	"Share4": "/mnt/share4",
	"Share5": "/mnt/share5",
}

// Normalizer rewrites any supported path convention into the canonical form
// for the current host: UNC on direct-access hosts, POSIX mount paths inside
// containers. It performs no I/O.
type Normalizer struct {
	// Host is the file server carrying the shares, e.g. "192.168.1.6".
	Host string
	// Container selects the POSIX mount target form.
	Container bool
}

// Normalize canonicalizes a single path. Unrecognized formats pass through
// unchanged, which also makes Normalize idempotent.
func (n Normalizer) Normalize(p string) string {
	if p == "" {
		return p
	}
	p = strings.Trim(strings.TrimSpace(p), `"'`)

	if rest, ok := strings.CutPrefix(p, "smb://"); ok {
		host, share, rest := splitHostShare(rest, "/")
		return n.emit(host, share, rest)
	}

	if rest, ok := strings.CutPrefix(p, "/Volumes/"); ok {
		share, rest, _ := strings.Cut(rest, "/")
		return n.emit(n.Host, share, rest)
	}

	if len(p) >= 2 && p[1] == ':' {
		drive := strings.ToUpper(p[:2])
		share := shareForDrive(drive)
		if share == "" {
			return p
		}
		rest := strings.TrimLeft(p[2:], `\/`)
		return n.emit(n.Host, share, rest)
	}

	if strings.HasPrefix(p, `\\`) {
		host, share, rest := splitHostShare(p[2:], `\`)
		return n.emit(host, share, rest)
	}

	return p
}

// NormalizeAll canonicalizes a batch, preserving input order.
func (n Normalizer) NormalizeAll(paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = n.Normalize(p)
	}
	return out
}

func (n Normalizer) emit(host, share, rest string) string {
	if n.Container {
		if mount, ok := mountByShare[share]; ok {
			rest = strings.ReplaceAll(rest, `\`, "/")
			if rest == "" {
				return mount
			}
			return mount + "/" + rest
		}
	}
	rest = strings.ReplaceAll(rest, "/", `\`)
	unc := `\\` + host + `\` + share
	if rest == "" {
		return unc
	}
	return unc + `\` + rest
}

func splitHostShare(p, sep string) (host, share, rest string) {
	host, p, _ = strings.Cut(p, sep)
	share, rest, _ = strings.Cut(p, sep)
	return host, share, rest
}

func shareForDrive(drive string) string {
	for share, d := range driveByShare {
		if d == drive {
			return share
		}
	}
	return ""
}

// Mounts returns the container mount roots, used by the keep-alive loop.
func Mounts() []string {
	out := make([]string, 0, len(mountByShare))
	for _, m := range mountByShare {
		out = append(out, m)
	}
	return out
}
