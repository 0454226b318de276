package moderation

import "testing"

func TestNormalizeTag(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"ru", "ru"},
		{"ru-RU", "ru"},
		{"EN", "en"},
		{"en-US", "en"},
		{"", ""},
		{"!!", ""},
	}
	for _, tc := range cases {
		if got := NormalizeTag(tc.in); got != tc.want {
			t.Errorf("NormalizeTag(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestDetectLanguage(t *testing.T) {
	supported := []string{"ru", "en"}
	cases := []struct {
		name, text, hint, want string
	}{
		{"hint wins", "whatever", "ru-RU", "ru"},
		{"unsupported hint ignored", "the schedule please", "fr", "en"},
		{"cyrillic", "где расписание занятий", "", "ru"},
		{"english stopwords", "what is the exam schedule", "", "en"},
		{"mixed mostly cyrillic", "где мой deadline", "", "ru"},
		{"inconclusive falls back", "xyz123", "", "ru"},
		{"empty falls back", "", "", "ru"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DetectLanguage(tc.text, tc.hint, "ru", supported); got != tc.want {
				t.Fatalf("DetectLanguage(%q, %q) = %q, want %q", tc.text, tc.hint, got, tc.want)
			}
		})
	}
}
