package client

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"loxone-admin/protocol"

	"github.com/stretchr/testify/require"
)

const testConfigID = "cfg1"

// fakeBackend is an in-memory rendition of the Loxone REST API
type fakeBackend struct {
	t      *testing.T
	server *httptest.Server

	mu          sync.Mutex
	datum       protocol.DatumSet
	props       protocol.PropertySet
	sources     []protocol.SourceMapping
	controls    []protocol.Control
	rejectPatch string // non-empty: PATCH answers success=false with this message
	uploads     []string
	lastHeaders http.Header

	gets    map[string]*atomic.Int32
	patches atomic.Int32
	pings   atomic.Int32

	getGate chan struct{} // when set, GETs block until it is closed
	getHit  chan struct{}
}

func newFakeBackend(t *testing.T) *fakeBackend {
	b := &fakeBackend{
		t:      t,
		datum:  protocol.DatumSet{},
		props:  protocol.PropertySet{},
		gets:   make(map[string]*atomic.Int32),
		getHit: make(chan struct{}, 1),
		controls: []protocol.Control{
			{UUID: "c1", Name: "Kitchen Light", Type: "Switch", Room: "r1", Category: "k1", States: map[string]string{"active": "s1"}},
			{UUID: "c2", Name: "Blinds", Type: "Jalousie", Room: "r2", Category: "k2"},
		},
	}
	for _, name := range []string{"controls", "categories", "rooms", "sources", "uuidsets/datum", "uuidsets/props"} {
		b.gets[name] = &atomic.Int32{}
	}
	b.server = httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(b.server.Close)
	return b
}

func (b *fakeBackend) client() *APIClient {
	api, err := NewAPIClient(Options{
		ServerURL:  b.server.URL,
		ConfigID:   testConfigID,
		CSRFHeader: "X-CSRF-TOKEN",
		CSRFToken:  "secret",
	})
	require.NoError(b.t, err)
	return api
}

func (b *fakeBackend) getCount(resource string) int {
	return int(b.gets[resource].Load())
}

func (b *fakeBackend) reply(w http.ResponseWriter, data interface{}) {
	body, err := protocol.CreateEnvelope(true, data, "")
	require.NoError(b.t, err)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func (b *fakeBackend) fail(w http.ResponseWriter, message string) {
	body, err := protocol.CreateEnvelope(false, nil, message)
	require.NoError(b.t, err)
	_, _ = w.Write(body)
}

func (b *fakeBackend) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/a/loxone/ping" {
		b.pings.Add(1)
		b.reply(w, nil)
		return
	}
	prefix := "/a/loxone/" + testConfigID + "/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.NotFound(w, r)
		return
	}
	resource := strings.TrimPrefix(r.URL.Path, prefix)

	b.mu.Lock()
	b.lastHeaders = r.Header.Clone()
	b.mu.Unlock()

	switch r.Method {
	case http.MethodGet:
		b.serveGet(w, resource)
	case http.MethodPatch:
		b.servePatch(w, r, resource)
	case http.MethodPost:
		b.serveUpload(w, r, resource)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (b *fakeBackend) serveGet(w http.ResponseWriter, resource string) {
	counter, ok := b.gets[resource]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("no such resource"))
		return
	}
	counter.Add(1)
	select {
	case b.getHit <- struct{}{}:
	default:
	}
	if b.getGate != nil {
		<-b.getGate
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	switch resource {
	case "controls":
		b.reply(w, b.controls)
	case "categories":
		b.reply(w, []protocol.Category{{UUID: "k1", Name: "Lighting"}, {UUID: "k2", Name: "Shading"}})
	case "rooms":
		b.reply(w, []protocol.Room{{UUID: "r1", Name: "Kitchen"}, {UUID: "r2", Name: "Bedroom"}})
	case "sources":
		b.reply(w, b.sources)
	case "uuidsets/datum":
		b.reply(w, b.datum)
	case "uuidsets/props":
		b.reply(w, b.props)
	}
}

func (b *fakeBackend) servePatch(w http.ResponseWriter, r *http.Request, resource string) {
	b.patches.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()

	if r.Header.Get("X-CSRF-TOKEN") != "secret" {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("missing csrf token"))
		return
	}
	if b.rejectPatch != "" {
		b.fail(w, b.rejectPatch)
		return
	}

	switch resource {
	case "uuidsets/datum":
		var patch protocol.DatumPatchSet
		require.NoError(b.t, json.NewDecoder(r.Body).Decode(&patch))
		for _, uuid := range patch.Add {
			if _, ok := b.datum[uuid]; !ok {
				b.datum[uuid] = nil
			}
		}
		for _, uuid := range patch.Remove {
			delete(b.datum, uuid)
		}
		for uuid, params := range patch.Parameters {
			if _, ok := b.datum[uuid]; ok {
				p := params
				b.datum[uuid] = &p
			}
		}
	case "uuidsets/props":
		var patch protocol.PropertyPatchSet
		require.NoError(b.t, json.NewDecoder(r.Body).Decode(&patch))
		for uuid, params := range patch.Parameters {
			p := params
			b.props[uuid] = &p
		}
	case "sources":
		var patch protocol.SourceMappingPatchSet
		require.NoError(b.t, json.NewDecoder(r.Body).Decode(&patch))
		b.sources = applySourcePatch(b.sources, patch)
	}
	b.reply(w, nil)
}

func applySourcePatch(sources []protocol.SourceMapping, patch protocol.SourceMappingPatchSet) []protocol.SourceMapping {
	removed := make(map[string]bool)
	for _, uuid := range patch.Remove {
		removed[uuid] = true
	}
	for _, s := range patch.Store {
		removed[s.UUID] = true
	}
	var out []protocol.SourceMapping
	for _, s := range sources {
		if !removed[s.UUID] {
			out = append(out, s)
		}
	}
	return append(out, patch.Store...)
}

func (b *fakeBackend) serveUpload(w http.ResponseWriter, r *http.Request, resource string) {
	if resource != "sources" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(err.Error()))
		return
	}
	defer file.Close()
	data, _ := io.ReadAll(file)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.uploads = append(b.uploads, header.Filename)
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		fields := strings.SplitN(line, ",", 2)
		if len(fields) == 2 {
			b.sources = applySourcePatch(b.sources, protocol.SourceMappingPatchSet{
				Store: []protocol.SourceMapping{{UUID: fields[0], SourceID: fields[1]}},
			})
		}
	}
	b.reply(w, nil)
}
