package main

import "testing"

func TestGetLanguage(t *testing.T) {
	cases := []struct {
		flag     string
		filename string
		want     string
		wantErr  bool
	}{
		{"python", "", "python", false},
		{"py", "", "python", false},
		{"js", "", "javascript", false},
		{"javascript", "", "javascript", false},
		{"", "script.py", "python", false},
		{"", "script.js", "javascript", false},
		{"", "mod.mjs", "javascript", false},
		{"", "SCRIPT.PY", "python", false},
		{"", "", "", true},
		{"ruby", "", "", true},
		{"", "script.rb", "", true},
	}

	for _, tc := range cases {
		got, err := getLanguage(tc.flag, tc.filename)
		if tc.wantErr {
			if err == nil {
				t.Errorf("getLanguage(%q, %q): expected error", tc.flag, tc.filename)
			}
			continue
		}
		if err != nil {
			t.Errorf("getLanguage(%q, %q): %v", tc.flag, tc.filename, err)
			continue
		}
		if got != tc.want {
			t.Errorf("getLanguage(%q, %q) = %q, want %q", tc.flag, tc.filename, got, tc.want)
		}
	}
}

func TestParseMemory(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"64mb", 64 << 20, false},
		{"1gb", 1 << 30, false},
		{"256MB", 256 << 20, false},
		{" 2gb ", 2 << 30, false},
		{"64", 0, true},
		{"mb", 0, true},
		{"-1mb", 0, true},
		{"", 0, true},
	}

	for _, tc := range cases {
		got, err := parseMemory(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseMemory(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseMemory(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("parseMemory(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestParsePackageSpec(t *testing.T) {
	cases := map[string]string{
		"attrs":          "attrs",
		"pydantic==2.0":  "pydantic",
		"requests>=2.32": "requests",
		"pkg~=1.0":       "pkg",
	}
	for in, want := range cases {
		if got := parsePackageSpec(in); got != want {
			t.Errorf("parsePackageSpec(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFindWheel(t *testing.T) {
	urls := []pypiURL{
		{PackageType: "sdist", Filename: "pkg-1.0.tar.gz", URL: "https://example.com/sdist"},
		{PackageType: "bdist_wheel", Filename: "pkg-1.0-cp312-cp312-linux_x86_64.whl", URL: "https://example.com/native"},
		{PackageType: "bdist_wheel", Filename: "pkg-1.0-py3-none-any.whl", URL: "https://example.com/pure"},
	}
	if got := findWheel(urls); got != "https://example.com/pure" {
		t.Errorf("expected pure wheel, got %q", got)
	}

	if got := findWheel(urls[:2]); got != "" {
		t.Errorf("expected no wheel without a pure build, got %q", got)
	}
}
