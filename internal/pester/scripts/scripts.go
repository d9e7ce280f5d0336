package scripts

import (
	"bytes"
	"embed"
	"errors"
	"os"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
)

const (
	DISCOVERY_SCRIPT_NAME = "DiscoverTests.ps1"
	RUN_SCRIPT_NAME       = "RunTests.ps1"

	SCRIPT_FILE_PERM = 0o644
	SCRIPTS_DIR_PERM = 0o755
)

var (
	//go:embed DiscoverTests.ps1 RunTests.ps1
	embedded embed.FS

	SCRIPT_NAMES = []string{DISCOVERY_SCRIPT_NAME, RUN_SCRIPT_NAME}
)

// Content returns the content of an embedded script.
func Content(name string) ([]byte, error) {
	return embedded.ReadFile(name)
}

// Install writes the embedded scripts in dir, files whose content is already up to date are not rewritten.
// It returns the number of written files.
func Install(fls billy.Filesystem, dir string) (written int, _ error) {
	if err := fls.MkdirAll(dir, SCRIPTS_DIR_PERM); err != nil {
		return 0, err
	}

	for _, name := range SCRIPT_NAMES {
		content, err := embedded.ReadFile(name)
		if err != nil {
			return written, err
		}

		path := fls.Join(dir, name)

		existing, err := util.ReadFile(fls, path)
		if err == nil && bytes.Equal(existing, content) {
			continue
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return written, err
		}

		if err := util.WriteFile(fls, path, content, SCRIPT_FILE_PERM); err != nil {
			return written, err
		}
		written++
	}

	return written, nil
}
