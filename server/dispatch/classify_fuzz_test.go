package dispatch

import (
	"testing"
)

// Fuzz for request classification: arbitrary datagrams must either parse
// cleanly or be rejected, never panic, and a parsed request always has a
// type.
func FuzzClassify(f *testing.F) {
	seeds := []string{
		`{"type":"register","randam_number":42}`,
		`{"type":"sign_in","user_id":7,"p2p_socket":{"port":9001}}`,
		`{"type":"change-view","image_id":"client7-cat","requested_views":2,"peer_address":"10.0.0.7:9007"}`,
		"7,client7-cat,42",
		"",
		"{",
		"a,b",
	}
	for _, s := range seeds {
		f.Add([]byte(s))
	}
	f.Fuzz(func(t *testing.T, payload []byte) {
		msgType, req, upload, _, err := classify(payload)
		if err != nil {
			return
		}
		if msgType == "" {
			t.Fatal("classified request without a type")
		}
		if req == nil && upload == nil {
			t.Fatal("classified request with no parsed form")
		}
	})
}
