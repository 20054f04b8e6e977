package governor

import (
	"os"
	"path/filepath"
)

func mkdirLock(root, name string) error {
	return os.Mkdir(filepath.Join(root, name+".lock"), 0o755)
}
