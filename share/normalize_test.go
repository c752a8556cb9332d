package share

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const host = "192.168.1.6"

func TestNormalizeToUNC(t *testing.T) {
	n := Normalizer{Host: host}

	tests := map[string]string{
		`V:\Production\video.mp4`:              `\\192.168.1.6\Share4\Production\video.mp4`,
		`smb://192.168.1.6/Share4/video2.mp4`:  `\\192.168.1.6\Share4\video2.mp4`,
		`/Volumes/Share4/video3.mp4`:           `\\192.168.1.6\Share4\video3.mp4`,
		`\\192.168.1.6\Share3\YBH\a.mp4`:       `\\192.168.1.6\Share3\YBH\a.mp4`,
		`"V:\quoted.mp4"`:                      `\\192.168.1.6\Share4\quoted.mp4`,
		`O:\New\clip.mp4`:                      `\\192.168.1.6\New_Share_1\New\clip.mp4`,
		`Z:\unknown\drive.mp4`:                 `Z:\unknown\drive.mp4`,
		`/opt/local/file.mp4`:                  `/opt/local/file.mp4`,
		`smb://192.168.1.6/Share2/a/b/c.mp4`:   `\\192.168.1.6\Share2\a\b\c.mp4`,
		`/Volumes/Share5/Sub Dir/video 1.mp4`:  `\\192.168.1.6\Share5\Sub Dir\video 1.mp4`,
		``:                                     ``,
	}
	for in, want := range tests {
		require.Equal(t, want, n.Normalize(in), "input %q", in)
	}
}

func TestNormalizeToContainerMounts(t *testing.T) {
	n := Normalizer{Host: host, Container: true}

	tests := map[string]string{
		`V:\Production\video.mp4`:             `/mnt/share4/Production/video.mp4`,
		`\\192.168.1.6\Share3\YBH\a.mp4`:      `/mnt/share3/YBH/a.mp4`,
		`smb://192.168.1.6/Share/clip.mp4`:    `/mnt/share/clip.mp4`,
		`/Volumes/Share2/b.mp4`:               `/mnt/share2/b.mp4`,
		// New_Share_* have no container mounts and stay UNC.
		`O:\New\clip.mp4`:                     `\\192.168.1.6\New_Share_1\New\clip.mp4`,
		`\\192.168.1.6\New_Share_2\x.mp4`:     `\\192.168.1.6\New_Share_2\x.mp4`,
		`/mnt/share4/Production/video.mp4`:    `/mnt/share4/Production/video.mp4`,
	}
	for in, want := range tests {
		require.Equal(t, want, n.Normalize(in), "input %q", in)
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	inputs := []string{
		`V:\Production\video.mp4`,
		`smb://192.168.1.6/Share4/video2.mp4`,
		`/Volumes/Share4/video3.mp4`,
		`\\192.168.1.6\Share3\YBH\a.mp4`,
		`Z:\unknown\drive.mp4`,
		`relative/path.mp4`,
		``,
	}
	for _, container := range []bool{false, true} {
		n := Normalizer{Host: host, Container: container}
		for _, in := range inputs {
			once := n.Normalize(in)
			require.Equal(t, once, n.Normalize(once), "container=%v input %q", container, in)
		}
	}
}

func TestNormalizeAllPreservesOrder(t *testing.T) {
	n := Normalizer{Host: host}
	got := n.NormalizeAll([]string{`V:\a.mp4`, `pass-through`, `U:\b.mp4`})
	require.Equal(t, []string{
		`\\192.168.1.6\Share4\a.mp4`,
		`pass-through`,
		`\\192.168.1.6\Share3\b.mp4`,
	}, got)
}
