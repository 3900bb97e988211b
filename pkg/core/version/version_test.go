package version

import (
	"regexp"
	"strings"
	"testing"
)

// semverRegex validates semantic versioning format
var semverRegex = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

func TestRelease(t *testing.T) {
	if !semverRegex.MatchString(Release) {
		t.Errorf("Release = %v, want semantic version", Release)
	}
}

func TestString(t *testing.T) {
	got := String()

	for _, want := range []string{"ipcpool " + Release, "protocol " + Protocol, "commit " + Commit} {
		if !strings.Contains(got, want) {
			t.Errorf("String() = %v, want it to contain %v", got, want)
		}
	}
}
