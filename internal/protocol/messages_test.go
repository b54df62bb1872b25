package protocol

import (
	"encoding/json"
	"testing"
)

func TestParseClient(t *testing.T) {
	tests := []struct {
		name string
		data string
		want ClientMessage
	}{
		{
			"input message",
			`{"type":"input","data":"ls\n"}`,
			ClientMessage{Type: MsgInput, Data: "ls\n"},
		},
		{
			"resize message",
			`{"type":"resize","cols":120,"rows":40}`,
			ClientMessage{Type: MsgResize, Cols: 120, Rows: 40},
		},
		{
			"raw text passthrough",
			"echo hi\n",
			ClientMessage{Type: MsgInput, Data: "echo hi\n"},
		},
		{
			"unknown type passthrough",
			`{"type":"bogus","data":"x"}`,
			ClientMessage{Type: MsgInput, Data: `{"type":"bogus","data":"x"}`},
		},
		{
			"json that is not an object",
			`[1,2,3]`,
			ClientMessage{Type: MsgInput, Data: `[1,2,3]`},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := ParseClient([]byte(tc.data))
			if got != tc.want {
				t.Errorf("ParseClient(%q) = %+v, want %+v", tc.data, got, tc.want)
			}
		})
	}
}

func TestServerFrames(t *testing.T) {
	sess, err := json.Marshal(NewSession("abc-123"))
	if err != nil {
		t.Fatal(err)
	}
	if string(sess) != `{"type":"session","id":"abc-123"}` {
		t.Errorf("session frame = %s", sess)
	}

	errFrame, _ := json.Marshal(NewError("nope"))
	if string(errFrame) != `{"type":"error","error":"nope"}` {
		t.Errorf("error frame = %s", errFrame)
	}

	warn, _ := json.Marshal(NewWarning("slow down"))
	if string(warn) != `{"type":"warning","message":"slow down"}` {
		t.Errorf("warning frame = %s", warn)
	}
}
