package helpers

import (
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"strings"

	"go-archive-download/internal/models"

	log "github.com/sirupsen/logrus"
	"lukechampine.com/blake3"
)

// CheckHash verifies a file against provided hashes (BLAKE3, MD5, SHA1,
// CRC32). It returns true if any of the provided hashes match.
func CheckHash(filepath string, hashes models.Hashes) bool {
	if _, err := os.Stat(filepath); err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).Warnf("Error stating file %s during hash check", filepath)
		}
		return false
	}

	file, err := os.ReadFile(filepath)
	if err != nil {
		log.WithError(err).Errorf("Error reading file %s for hash check", filepath)
		return false
	}

	if hashes.BLAKE3 != "" {
		blake3Hash := blake3.Sum256(file)
		calculated := strings.ToLower(hex.EncodeToString(blake3Hash[:]))
		if calculated == strings.ToLower(strings.TrimSpace(hashes.BLAKE3)) {
			log.WithField("hash", "BLAKE3").Debugf("Hash match for %s", filepath)
			return true
		}
	}

	if hashes.MD5 != "" {
		md5Hash := md5.Sum(file)
		calculated := hex.EncodeToString(md5Hash[:])
		if calculated == strings.ToLower(strings.TrimSpace(hashes.MD5)) {
			log.WithField("hash", "MD5").Debugf("Hash match for %s", filepath)
			return true
		}
	}

	if hashes.SHA1 != "" {
		sha1Hash := sha1.Sum(file)
		calculated := hex.EncodeToString(sha1Hash[:])
		if calculated == strings.ToLower(strings.TrimSpace(hashes.SHA1)) {
			log.WithField("hash", "SHA1").Debugf("Hash match for %s", filepath)
			return true
		}
	}

	if hashes.CRC32 != "" {
		crc32Hasher := crc32.NewIEEE()
		if _, err := crc32Hasher.Write(file); err != nil {
			log.WithError(err).Warnf("Error calculating CRC32 hash for %s", filepath)
		} else {
			calculated := fmt.Sprintf("%08x", crc32Hasher.Sum32())
			if calculated == strings.ToLower(strings.TrimSpace(hashes.CRC32)) {
				log.WithField("hash", "CRC32").Debugf("Hash match for %s", filepath)
				return true
			}
		}
	}

	return false
}

// Blake3Sum computes the lowercase hex BLAKE3-256 checksum of a file.
// Used to record a fast local verification hash for completed downloads.
func Blake3Sum(filepath string) (string, error) {
	f, err := os.Open(filepath)
	if err != nil {
		return "", fmt.Errorf("opening %s for checksum: %w", filepath, err)
	}
	defer f.Close()

	h := blake3.New(32, nil)
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", filepath, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// BytesToSize converts a byte count into a human-readable string (KB, MB, GB, etc.).
func BytesToSize(bytes uint64) string {
	sizes := []string{"B", "KB", "MB", "GB", "TB"}
	if bytes == 0 {
		return "0B"
	}
	i := int(math.Floor(math.Log(float64(bytes)) / math.Log(1024)))
	if i >= len(sizes) {
		i = len(sizes) - 1 // Handle very large sizes
	}
	return fmt.Sprintf("%.2f%s", float64(bytes)/math.Pow(1024, float64(i)), sizes[i])
}

// ConvertToSlug converts a string into a filesystem-friendly slug.
func ConvertToSlug(str string) string {
	str = strings.ReplaceAll(str, " ", "_")
	str = strings.ReplaceAll(str, ":", "-")
	str = strings.ToLower(str)

	allowedChars := "0123456789abcdefghijklmnopqrstuvwxyz._-"

	var filtered strings.Builder
	for _, ch := range str {
		if strings.ContainsRune(allowedChars, ch) {
			filtered.WriteRune(ch)
		}
	}
	str = filtered.String()

	// Simplify repeated separators
	for strings.Contains(str, "--") {
		str = strings.ReplaceAll(str, "--", "-")
	}
	for strings.Contains(str, "__") {
		str = strings.ReplaceAll(str, "__", "_")
	}
	str = strings.ReplaceAll(str, "-_", "-")
	str = strings.ReplaceAll(str, "_-", "-")

	// Remove leading/trailing separators
	str = strings.Trim(str, "_-")

	return str
}

// CheckAndMakeDir ensures a directory exists, creating it if necessary.
// Uses standard directory permissions (0700).
func CheckAndMakeDir(dir string) bool {
	err := os.MkdirAll(dir, 0700)
	if err != nil {
		log.WithError(err).Errorf("Error creating directory %s", dir)
		return false
	}
	return true
}
