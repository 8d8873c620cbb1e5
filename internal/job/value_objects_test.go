package job

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSellerID(t *testing.T) {
	tests := []struct {
		raw     string
		wantErr bool
	}{
		{"seller-001", false},
		{"SELLER_42", false},
		{strings.Repeat("a", 100), false},
		{strings.Repeat("a", 101), true},
		{"", true},
		{"seller 001", true},
		{"seller;drop", true},
	}
	for _, tt := range tests {
		_, err := ParseSellerID(tt.raw)
		if tt.wantErr {
			assert.Error(t, err, "raw=%q", tt.raw)
		} else {
			assert.NoError(t, err, "raw=%q", tt.raw)
		}
	}
}

func TestParseChannel_Normalizes(t *testing.T) {
	ch, err := ParseChannel("  MELI  ")
	require.NoError(t, err)
	assert.Equal(t, Channel("meli"), ch)

	_, err = ParseChannel("")
	assert.Error(t, err)
	_, err = ParseChannel("1starts-with-digit")
	assert.Error(t, err)
}

func TestParseType(t *testing.T) {
	for _, raw := range []string{"validation", "Correction", " ENRICHMENT "} {
		_, err := ParseType(raw)
		assert.NoError(t, err, "raw=%q", raw)
	}
	_, err := ParseType("transmogrification")
	assert.Error(t, err)
}

func TestParseRulesProfileID(t *testing.T) {
	profile, err := ParseRulesProfileID("meli@1.2.3")
	require.NoError(t, err)
	assert.Equal(t, "meli", profile.Channel())

	for _, raw := range []string{"meli", "meli@1.2", "meli@v1.2.3", "MELI@1.2.3", "meli@1.2.3-beta"} {
		_, err := ParseRulesProfileID(raw)
		assert.Error(t, err, "raw=%q", raw)
	}
}

func TestParseFileReference(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"s3 url", "s3://bucket/inbox/products.csv", false},
		{"https url", "https://files.example.com/bucket/products.csv", false},
		{"gs url", "gs://bucket/products.csv", false},
		{"no scheme", "bucket/products.csv", true},
		{"ftp scheme", "ftp://host/products.csv", true},
		{"path traversal", "s3://bucket/../../etc/passwd", true},
		{"backslash", `s3://bucket/inbox\products.csv`, true},
		{"executable", "s3://bucket/run.exe", true},
		{"archive", "https://files.example.com/b/data.zip", true},
		{"shell script", "s3://bucket/install.sh", true},
		{"extension case-insensitive", "s3://bucket/run.EXE", true},
		{"empty", "", true},
		{"oversized", "s3://bucket/" + strings.Repeat("a", 3000), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFileReference(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFileReference_Accessors(t *testing.T) {
	s3, err := ParseFileReference("s3://my-bucket/inbox/products.csv")
	require.NoError(t, err)
	assert.Equal(t, "s3", s3.Scheme())
	assert.Equal(t, "my-bucket", s3.Host())
	assert.Equal(t, "my-bucket", s3.Bucket())
	assert.Equal(t, "inbox/products.csv", s3.Key())

	https, err := ParseFileReference("https://storage.example.com/my-bucket/products.csv")
	require.NoError(t, err)
	assert.Equal(t, "storage.example.com", https.Host())
	assert.Equal(t, "my-bucket", https.Bucket())
}

func TestCounters_Validate(t *testing.T) {
	tests := []struct {
		name    string
		c       Counters
		wantErr bool
	}{
		{"zero", Counters{}, false},
		{"consistent", Counters{Total: 10, Processed: 8, Errors: 3, Warnings: 2}, false},
		{"negative total", Counters{Total: -1}, true},
		{"processed over total", Counters{Total: 5, Processed: 6}, true},
		{"errors over processed", Counters{Total: 10, Processed: 4, Errors: 3, Warnings: 2}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.c.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
