package mcp

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func runServer(t *testing.T, client Client, lines ...string) []Response {
	t.Helper()
	in := strings.NewReader(strings.Join(lines, "\n") + "\n")
	var out bytes.Buffer

	srv := NewServer(NewToolRegistry(client), "test", WithIO(in, &out))
	if err := srv.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var resps []Response
	dec := json.NewDecoder(&out)
	for dec.More() {
		var r Response
		if err := dec.Decode(&r); err != nil {
			t.Fatalf("decode: %v", err)
		}
		resps = append(resps, r)
	}
	return resps
}

// byID keys responses by their numeric id; the parse error has none and
// lands under 0.
func byID(resps []Response) map[int]Response {
	m := make(map[int]Response, len(resps))
	for _, r := range resps {
		id, _ := r.ID.(float64)
		m[int(id)] = r
	}
	return m
}

func TestServerProtocol(t *testing.T) {
	resps := runServer(t, &fakeClient{},
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"clientInfo":{"name":"test"}}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"nope","arguments":{}}}`,
		`{"jsonrpc":"2.0","id":4,"method":"bogus"}`,
		`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":"oops"}`,
		`{"jsonrpc":"2.0","id":6,"method":"ping"}`,
		`not json`,
	)

	if len(resps) != 7 {
		t.Fatalf("got %d responses, want 7", len(resps))
	}
	got := byID(resps)

	initRes, _ := json.Marshal(got[1].Result)
	if !strings.Contains(string(initRes), `"name":"sdlive"`) || !strings.Contains(string(initRes), ProtocolVersion) {
		t.Errorf("initialize = %s", initRes)
	}

	list, _ := json.Marshal(got[2].Result)
	if !strings.Contains(string(list), `"name":"generate"`) {
		t.Errorf("tools/list = %s", list)
	}

	call, _ := json.Marshal(got[3].Result)
	if !strings.Contains(string(call), `"isError":true`) || !strings.Contains(string(call), "unknown tool: nope") {
		t.Errorf("tools/call = %s", call)
	}

	if got[4].Error == nil || got[4].Error.Code != codeMethodNotFound {
		t.Errorf("unknown method = %+v", got[4])
	}
	if got[5].Error == nil || got[5].Error.Code != codeInvalidParams {
		t.Errorf("invalid params = %+v", got[5])
	}
	if got[6].Error != nil {
		t.Errorf("ping = %+v", got[6])
	}
	if got[0].Error == nil || got[0].Error.Code != codeParseError {
		t.Errorf("parse error = %+v", got[0])
	}
}

func TestServerLastLineWithoutNewline(t *testing.T) {
	var out bytes.Buffer
	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	if err := NewServer(NewToolRegistry(&fakeClient{}), "test", WithIO(in, &out)).Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out.String(), `"id":1`) {
		t.Errorf("output = %q", out.String())
	}
}
