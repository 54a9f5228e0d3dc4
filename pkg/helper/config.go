package helper

import (
	"os"
	"path/filepath"
)

// ConfDirEnv overrides the directory searched for relative config files
const ConfDirEnv = "CHATGATE_CONF_DIR"

// GetCfgPath resolves a configuration file name to a path.
//
// Priority:
// 1. An absolute filename is returned as is.
// 2. $CHATGATE_CONF_DIR/{filename} when the variable is set and the file exists.
// 3. ./{filename}, then ./configs/{filename}.
// 4. /etc/chatgate/{filename}.
func GetCfgPath(filename string) string {
	if filename == "" {
		panic("filename cannot be empty")
	}
	if filepath.IsAbs(filename) {
		return filename
	}

	var dirs []string
	if dir := os.Getenv(ConfDirEnv); dir != "" {
		dirs = append(dirs, dir)
	}
	if wd, err := os.Getwd(); err == nil && wd != "" {
		dirs = append(dirs, wd, filepath.Join(wd, "configs"))
	}
	for _, dir := range dirs {
		if p, ok := existing(filepath.Join(dir, filename)); ok {
			return p
		}
	}
	return filepath.Join("/etc/chatgate", filename)
}

func existing(path string) (string, bool) {
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	return abs, true
}
