// Copyright 2025 Ceramic Anchor Service

package codec

import "testing"

func TestMerklePathLineRoundTrip(t *testing.T) {
	cases := []string{"", "L", "R", "L/R/L", "R/R/R/L"}
	for _, raw := range cases {
		path, err := DecodeMerklePathLine("path", raw)
		if err != nil {
			t.Fatalf("decode %q: %v", raw, err)
		}
		if got := EncodeMerklePathLine(path); got != raw {
			t.Errorf("round trip %q: got %q", raw, got)
		}
	}
}

func TestDecodeMerklePathLineRejectsBadSegment(t *testing.T) {
	if _, err := DecodeMerklePathLine("path", "L/X/R"); err == nil {
		t.Fatal("expected error for invalid segment")
	}
}

func TestDecodeDID(t *testing.T) {
	if _, err := DecodeDID("controllers[0]", "did:key:z6MkhaXgBZDvotDkL5257faiztiGiC2QtKLGpbnnEGta2doK"); err != nil {
		t.Fatalf("valid DID rejected: %v", err)
	}
	if _, err := DecodeDID("controllers[0]", "not-a-did"); err == nil {
		t.Fatal("expected error for malformed DID")
	}
}

func TestDecodeStreamIDBareCID(t *testing.T) {
	sid, err := DecodeStreamID("streamId", "bafyreigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sid.Type != 0 {
		t.Errorf("expected default type 0, got %d", sid.Type)
	}
}
