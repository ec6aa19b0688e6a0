package helpers

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go-archive-download/internal/models"
)

func TestConvertToSlug(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"Empty string", "", ""},
		{"Simple string", "Simple Test", "simple_test"},
		{"With colon", "Test: Colon", "test-colon"},
		{"With numbers", "Item V1.5", "item_v1.5"},
		{"Mixed case", "MixedCase Slug", "mixedcase_slug"},
		{"Invalid characters", "File*Name?Is\"Bad!", "filenameisbad"},
		{"Repeated dashes", "double--dash", "double-dash"},
		{"Repeated underscores", "double__underscore", "double_underscore"},
		{"Mixed repeated separators", "mixed-_-separator--test", "mixed-separator-test"},
		{"Leading/trailing separators", "-_Leading Trailing_-_", "leading_trailing"},
		{"Already valid", "valid-slug_1.0", "valid-slug_1.0"},
		{"All invalid", "!@#$%^&*()+", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ConvertToSlug(tt.input)
			if got != tt.want {
				t.Errorf("ConvertToSlug(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestBytesToSize(t *testing.T) {
	tests := []struct {
		name  string
		bytes uint64
		want  string
	}{
		{"Zero bytes", 0, "0B"},
		{"Bytes", 500, "500.00B"},
		{"Kilobytes", 1024, "1.00KB"},
		{"Kilobytes fractional", 1536, "1.50KB"},
		{"Megabytes", 1024 * 1024, "1.00MB"},
		{"Megabytes fractional", 1024*1024 + 512*1024, "1.50MB"},
		{"Gigabytes", 1024 * 1024 * 1024, "1.00GB"},
		{"Terabytes", 1024 * 1024 * 1024 * 1024, "1.00TB"},
		{"Large Terabytes", 1536 * 1024 * 1024 * 1024, "1.50TB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BytesToSize(tt.bytes)
			if got != tt.want {
				t.Errorf("BytesToSize(%d) = %q, want %q", tt.bytes, got, tt.want)
			}
		})
	}
}

func TestCheckHash(t *testing.T) {
	tempDir := t.TempDir()

	testContent := []byte("this is test content for hashing")
	// Pre-calculated:
	// echo -n "this is test content for hashing" | md5sum
	expectedMD5 := "061839c2957226d1c5b8ccd4668ded1c"
	// echo -n "this is test content for hashing" | sha1sum
	expectedSHA1 := "4183088b2fa3c38865bffd3f2622aa2c92dbdf80"
	expectedCRC32 := "e37f725a"

	testFilePath := filepath.Join(tempDir, "test_hash_file.txt")
	if err := os.WriteFile(testFilePath, testContent, 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	// Compute the BLAKE3 reference with the same helper that records it
	// after downloads; CheckHash must then agree with it.
	expectedBlake3, err := Blake3Sum(testFilePath)
	if err != nil {
		t.Fatalf("Blake3Sum failed: %v", err)
	}

	tests := []struct {
		name       string
		filepath   string
		hashes     models.Hashes
		wantResult bool
	}{
		{
			name:       "No file exists",
			filepath:   filepath.Join(tempDir, "nonexistent_file.txt"),
			hashes:     models.Hashes{MD5: expectedMD5},
			wantResult: false,
		},
		{
			name:       "File exists, MD5 match",
			filepath:   testFilePath,
			hashes:     models.Hashes{MD5: expectedMD5},
			wantResult: true,
		},
		{
			name:       "File exists, SHA1 match (uppercase api)",
			filepath:   testFilePath,
			hashes:     models.Hashes{SHA1: strings.ToUpper(expectedSHA1)},
			wantResult: true,
		},
		{
			name:       "File exists, CRC32 match",
			filepath:   testFilePath,
			hashes:     models.Hashes{CRC32: expectedCRC32},
			wantResult: true,
		},
		{
			name:       "File exists, BLAKE3 match",
			filepath:   testFilePath,
			hashes:     models.Hashes{BLAKE3: expectedBlake3},
			wantResult: true,
		},
		{
			name:       "File exists, one hash mismatch, one match",
			filepath:   testFilePath,
			hashes:     models.Hashes{MD5: "incorrecthash", CRC32: expectedCRC32},
			wantResult: true, // Any single match is sufficient
		},
		{
			name:       "File exists, all hashes mismatch",
			filepath:   testFilePath,
			hashes:     models.Hashes{MD5: "incorrect1", SHA1: "incorrect2", CRC32: "incorrect3"},
			wantResult: false,
		},
		{
			name:       "File exists, no hashes provided",
			filepath:   testFilePath,
			hashes:     models.Hashes{},
			wantResult: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotResult := CheckHash(tt.filepath, tt.hashes)
			if gotResult != tt.wantResult {
				t.Errorf("CheckHash(%q, %+v) = %v, want %v", tt.filepath, tt.hashes, gotResult, tt.wantResult)
			}
		})
	}
}

func TestCheckAndMakeDir(t *testing.T) {
	baseTempDir := t.TempDir()

	tests := []struct {
		name       string
		dirToMake  string // Relative to baseTempDir
		wantResult bool
		wantExists bool
	}{
		{
			name:       "Create simple directory",
			dirToMake:  "new_dir",
			wantResult: true,
			wantExists: true,
		},
		{
			name:       "Create nested directory",
			dirToMake:  filepath.Join("nested", "dir", "to", "create"),
			wantResult: true,
			wantExists: true,
		},
		{
			name:       "Attempt to create directory that is a file",
			dirToMake:  "existing_file.txt",
			wantResult: false,
			wantExists: false,
		},
		{
			name:       "Directory already exists",
			dirToMake:  "already_exists",
			wantResult: true,
			wantExists: true,
		},
	}

	preExistingDir := filepath.Join(baseTempDir, "already_exists")
	if err := os.Mkdir(preExistingDir, 0755); err != nil {
		t.Fatalf("Failed to pre-create directory %s: %v", preExistingDir, err)
	}
	preExistingFile := filepath.Join(baseTempDir, "existing_file.txt")
	if _, err := os.Create(preExistingFile); err != nil {
		t.Fatalf("Failed to pre-create file %s: %v", preExistingFile, err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fullPathToMake := filepath.Join(baseTempDir, tt.dirToMake)
			gotResult := CheckAndMakeDir(fullPathToMake)

			if gotResult != tt.wantResult {
				t.Errorf("CheckAndMakeDir(%q) = %v, want %v", fullPathToMake, gotResult, tt.wantResult)
			}

			info, err := os.Stat(fullPathToMake)
			gotExists := err == nil
			if gotExists != tt.wantExists {
				t.Errorf("CheckAndMakeDir(%q): exists = %v, want %v", fullPathToMake, gotExists, tt.wantExists)
			}
			if tt.wantExists && gotExists && !info.IsDir() {
				t.Errorf("CheckAndMakeDir(%q) created something, but it's not a directory", fullPathToMake)
			}
		})
	}
}
