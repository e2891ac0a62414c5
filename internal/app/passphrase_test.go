package app

import (
	"strings"
	"testing"
)

func TestReadLine(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"newline terminated", "secret\n", "secret", false},
		{"crlf", "secret\r\n", "secret", false},
		{"no newline", "secret", "secret", false},
		{"only first line", "one\ntwo\n", "one", false},
		{"empty", "", "", true},
		{"blank line", "\n", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readLine(strings.NewReader(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("readLine() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("readLine() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEnvPassphrase(t *testing.T) {
	t.Setenv(PassphraseEnv, "from-env")

	got, err := EnvPassphrase()()
	if err != nil {
		t.Fatalf("EnvPassphrase() error = %v", err)
	}
	if got != "from-env" {
		t.Errorf("EnvPassphrase() = %q, want from-env", got)
	}

	got, err = NewPassphrase()
	if err != nil || got != "from-env" {
		t.Errorf("NewPassphrase() = %q, %v", got, err)
	}
}
