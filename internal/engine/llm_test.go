package engine

import (
	"context"
	"errors"
	"testing"
)

func TestExtractJSONAnswer(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "valid json",
			raw:  `{"answer": "5"}`,
			want: "5",
		},
		{
			name: "escaped quotes",
			raw:  `{"answer": "I am \"authorized\" to work"}`,
			want: `I am "authorized" to work`,
		},
		{
			name: "escaped newlines",
			raw:  `{"answer": "line1\nline2"}`,
			want: "line1\nline2",
		},
		{
			name: "no answer field",
			raw:  `{"result": "something"}`,
			want: "",
		},
		{
			name: "empty input",
			raw:  "",
			want: "",
		},
		{
			name: "malformed - no closing quote",
			raw:  `{"answer": "unclosed`,
			want: "unclosed",
		},
		{
			name: "extra whitespace",
			raw:  `{  "answer" :  "Yes"  }`,
			want: "Yes",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractJSONAnswer(tt.raw)
			if got != tt.want {
				t.Errorf("ExtractJSONAnswer() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStripFences(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\nplain\n```", "plain"},
		{"  no fences  ", "no fences"},
	}
	for _, tt := range tests {
		if got := stripFences(tt.in); got != tt.want {
			t.Errorf("stripFences(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCallLLMDisabled(t *testing.T) {
	Init(Config{})
	_, err := CallLLM(context.Background(), "", "hello")
	if !errors.Is(err, ErrLLMDisabled) {
		t.Fatalf("expected ErrLLMDisabled, got %v", err)
	}
	if CategoryOf(err) != CategoryExternalService {
		t.Errorf("category = %q, want EXTERNAL_SERVICE", CategoryOf(err))
	}
}
