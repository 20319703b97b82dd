package remote

import "testing"

func TestObjectKey(t *testing.T) {
	tests := []struct {
		prefix     string
		remotePath string
		want       string
	}{
		{"", "a.docx", "a.docx"},
		{"", "Reports/2024/a.docx", "Reports/2024/a.docx"},
		{"shared", "Reports/a.docx", "shared/Reports/a.docx"},
		{"shared", "/Reports//a.docx", "shared/Reports/a.docx"},
		{"shared", "../../etc/passwd", "shared/etc/passwd"},
	}

	for _, tt := range tests {
		t.Run(tt.prefix+"|"+tt.remotePath, func(t *testing.T) {
			if got := objectKey(tt.prefix, tt.remotePath); got != tt.want {
				t.Errorf("objectKey(%q, %q) = %q, want %q", tt.prefix, tt.remotePath, got, tt.want)
			}
		})
	}
}
