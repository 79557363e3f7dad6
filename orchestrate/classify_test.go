package orchestrate

import (
	"testing"
)

func TestHallucinationIndicators(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{"creation claim", "Done! I've created the file at notes.txt.", 1},
		{"multiple claims", "I've created it and it has been saved.", 2},
		{"plain answer", "The capital of France is Paris.", 0},
		{"case insensitive", "I'VE SAVED your notes.", 1},
		{"empty", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := hallucinationIndicators(tt.content)
			if len(got) != tt.want {
				t.Fatalf("hallucinationIndicators(%q) = %v, want %d matches", tt.content, got, tt.want)
			}
		})
	}
}

func TestRecoverEmbeddedCallsBareArray(t *testing.T) {
	offered := map[string]bool{"echo": true}

	calls, ok := recoverEmbeddedCalls(
		`I would run [{"name":"echo","arguments":{"text":"hi"}}] to do that.`, offered)
	if !ok {
		t.Fatal("recoverEmbeddedCalls() = false, want recovery")
	}
	if len(calls) != 1 || calls[0].Tool != "echo" || calls[0].Arguments["text"] != "hi" {
		t.Fatalf("calls = %+v", calls)
	}
}

func TestRecoverEmbeddedCallsFencedBlock(t *testing.T) {
	offered := map[string]bool{"echo": true, "read_file": true}
	content := "Here you go:\n```json\n[{\"name\":\"read_file\",\"arguments\":{\"path\":\"a.txt\"}}]\n```\nDone."

	calls, ok := recoverEmbeddedCalls(content, offered)
	if !ok {
		t.Fatal("recoverEmbeddedCalls() = false, want recovery from fenced block")
	}
	if calls[0].Tool != "read_file" || calls[0].Arguments["path"] != "a.txt" {
		t.Fatalf("calls = %+v", calls)
	}
}

func TestRecoverEmbeddedCallsToolKeyAlias(t *testing.T) {
	offered := map[string]bool{"echo": true}

	calls, ok := recoverEmbeddedCalls(`[{"tool":"echo","arguments":{}}]`, offered)
	if !ok || calls[0].Tool != "echo" {
		t.Fatalf("recoverEmbeddedCalls() = (%v, %v), want tool-key alias accepted", calls, ok)
	}
}

func TestRecoverEmbeddedCallsRejectsUnknownNames(t *testing.T) {
	offered := map[string]bool{"echo": true}

	// One known plus one unknown name rejects the whole array.
	if _, ok := recoverEmbeddedCalls(
		`[{"name":"echo","arguments":{}},{"name":"shutdown","arguments":{}}]`, offered); ok {
		t.Fatal("array with unknown name was recovered")
	}
}

func TestRecoverEmbeddedCallsIgnoresNonCallArrays(t *testing.T) {
	offered := map[string]bool{"echo": true}

	if _, ok := recoverEmbeddedCalls(`The options are [1, 2, 3].`, offered); ok {
		t.Fatal("numeric array was recovered as tool calls")
	}
	if _, ok := recoverEmbeddedCalls(`No JSON here at all.`, offered); ok {
		t.Fatal("plain text was recovered as tool calls")
	}
}

func TestZeroValueFor(t *testing.T) {
	if got := zeroValueFor("string"); got != "" {
		t.Fatalf("zeroValueFor(string) = %v, want empty string", got)
	}
	if got := zeroValueFor("number"); got != 0 {
		t.Fatalf("zeroValueFor(number) = %v, want 0", got)
	}
	if got := zeroValueFor("boolean"); got != false {
		t.Fatalf("zeroValueFor(boolean) = %v, want false", got)
	}
}
