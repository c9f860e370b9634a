package devices

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
)

// md5File returns the hex MD5 of a local file. Device platforms report
// MD5 for transfer verification, so that is what we compare against.
func md5File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
