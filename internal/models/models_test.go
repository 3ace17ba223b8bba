package models

import "testing"

func TestParseDocumentMode(t *testing.T) {
	cases := []struct {
		input   string
		want    DocumentMode
		wantErr bool
	}{
		{input: "doc", want: DocumentModeDoc},
		{input: " EXAM ", want: DocumentModeExam},
		{input: "foto", want: DocumentModeFoto},
		{input: "", wantErr: true},
		{input: "photo", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseDocumentMode(tc.input)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseDocumentMode(%q) expected error", tc.input)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseDocumentMode(%q) returned error: %v", tc.input, err)
		}
		if got != tc.want {
			t.Fatalf("ParseDocumentMode(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestDocumentFolderPatient(t *testing.T) {
	folder := DocumentFolder{ExternalID: "925221/9449", InternalID: "124587112", Name: "Radana Macháčková"}
	got := folder.Patient()
	if got.BID != folder.ExternalID || got.ZID != folder.InternalID || got.Name != folder.Name {
		t.Fatalf("Patient() = %+v, want fields copied from %+v", got, folder)
	}
}

func TestHealthLevelString(t *testing.T) {
	if HealthOK.String() != "ok" || HealthWarning.String() != "warning" || HealthError.String() != "error" {
		t.Fatalf("unexpected health level names: %s %s %s", HealthOK, HealthWarning, HealthError)
	}
}
