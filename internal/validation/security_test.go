package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateArgument(t *testing.T) {
	tests := []struct {
		name    string
		arg     string
		wantErr bool
	}{
		{"plain flag", "-a", false},
		{"attribute assignment", "reproducible", false},
		{"absolute output dir", "/srv/docs/.factory-distill", false},
		{"semicolon", "x; rm -rf /", true},
		{"pipe", "x | cat /etc/passwd", true},
		{"backtick", "x`whoami`", true},
		{"subshell", "file$(id).txt", true},
		{"newline", "x\ny", true},
		{"null byte", "x\x00y", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateArgument(tt.arg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateCommand(t *testing.T) {
	tests := []struct {
		name    string
		command string
		wantErr bool
	}{
		{"bare name", "asciidoctor", false},
		{"absolute path", "/usr/local/bin/asciidoctor", false},
		{"empty", "", true},
		{"blank", "   ", true},
		{"arguments inline", "asciidoctor -a reproducible", true},
		{"injection", "asciidoctor;id", true},
		{"traversal", "../bin/asciidoctor", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCommand(tt.command)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateRef(t *testing.T) {
	tests := []struct {
		ref     string
		wantErr bool
	}{
		{"main", false},
		{"feature/docs-v2", false},
		{"release-1.0", false},
		{"", true},
		{"-n", true},
		{"main..other", true},
		{"main@{1}", true},
		{"topic/", true},
		{"topic.lock", true},
		{"has space", true},
		{"head^", true},
		{"a:b", true},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			err := ValidateRef(tt.ref)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateCommitHash(t *testing.T) {
	assert.NoError(t, ValidateCommitHash("0123456789abcdef0123456789abcdef01234567"))
	assert.NoError(t, ValidateCommitHash("abc1234"))
	assert.Error(t, ValidateCommitHash("abc"))
	assert.Error(t, ValidateCommitHash("ABCDEF1234"))
	assert.Error(t, ValidateCommitHash("--all"))
}

func TestValidateNamespace(t *testing.T) {
	assert.NoError(t, ValidateNamespace("main"))
	assert.NoError(t, ValidateNamespace("release_1.2-rc"))
	assert.Error(t, ValidateNamespace(""))
	assert.Error(t, ValidateNamespace("feature/x"))
	assert.Error(t, ValidateNamespace(".hidden"))
}

func TestValidateArtifactName(t *testing.T) {
	allowed := []string{".html", ".json"}
	tests := []struct {
		name    string
		file    string
		wantErr bool
	}{
		{"artifact", "main-0a1b2c.html", false},
		{"manifest", "manifest.json", false},
		{"empty", "", true},
		{"traversal", "../secret.html", true},
		{"nested", "sub/a.html", true},
		{"windows separator", `..\a.html`, true},
		{"dotfile", ".env.html", true},
		{"wrong extension", "main.sh", true},
		{"no extension", "README", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateArtifactName(tt.file, allowed)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePath(t *testing.T) {
	assert.NoError(t, ValidatePath("./site"))
	assert.NoError(t, ValidatePath("/srv/docs/out"))
	assert.NoError(t, ValidatePath("/etcetera/out"))
	assert.Error(t, ValidatePath(""))
	assert.Error(t, ValidatePath("/etc"))
	assert.Error(t, ValidatePath("/proc/self"))
	assert.Error(t, ValidatePath("out;rm"))
}

func TestValidateOrigin(t *testing.T) {
	allowed := []string{"localhost:8080", "http://docs.example.com"}

	assert.NoError(t, ValidateOrigin("http://localhost:8080", allowed))
	assert.NoError(t, ValidateOrigin("http://docs.example.com", allowed))
	assert.Error(t, ValidateOrigin("", allowed))
	assert.Error(t, ValidateOrigin("file://localhost:8080", allowed))
	assert.Error(t, ValidateOrigin("http://evil.example.com", allowed))
}

func TestValidateURL(t *testing.T) {
	assert.NoError(t, ValidateURL("http://localhost:8080"))
	assert.NoError(t, ValidateURL("https://docs.example.com"))
	assert.Error(t, ValidateURL("javascript:alert(1)"))
	assert.Error(t, ValidateURL("http://"))
	assert.Error(t, ValidateURL("http://localhost:8080; id"))
}

func TestSanitizeInput(t *testing.T) {
	assert.Equal(t, "clicked row 3", SanitizeInput("clicked row 3"))
	assert.Equal(t, "ab", SanitizeInput("a\x00b"))
	assert.Equal(t, "forgedline", SanitizeInput("forged\nline"))
	assert.Equal(t, "a\tb", SanitizeInput("a\tb"))
}
