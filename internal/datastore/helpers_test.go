package datastore

import (
	"os"
	"time"
)

func osReadDirCount(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

func intPtr(v int) *int { return &v }

func fixedPastDate() time.Time {
	return time.Now().UTC().AddDate(0, 0, -10)
}

func fixedNowDate() time.Time {
	return time.Now().UTC()
}
