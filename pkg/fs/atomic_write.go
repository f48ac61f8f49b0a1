package fs

import (
	"bytes"
	"fmt"

	"github.com/natefinch/atomic"
)

// WriteFileAtomic writes data to path so that readers observe either
// the old contents or the new contents, never a mix (write to a temp
// file, then rename into place).
func WriteFileAtomic(path string, data []byte) error {
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("atomic write %s: %w", path, err)
	}
	return nil
}
