package mediamgr

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AsherBond/whistle/pkg/logging"
)

func TestCouchStoreGetMediaDoc(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/media_files/greeting.wav":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{
				"_id": "greeting.wav",
				"streamable": true,
				"_attachments": {
					"ulaw.raw": {"content_type": "audio/x-ulaw", "length": 16000},
					"alaw.raw": {"content_type": "audio/x-alaw", "length": 16000}
				}
			}`))
		case "/media_files/flat.wav":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"_id": "flat.wav", "streamable": false}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer s.Close()

	store := NewCouchStore(s.URL, logging.NewLogger())

	doc, err := store.GetMediaDoc(context.Background(), "media_files", "greeting.wav")
	require.NoError(t, err)
	assert.True(t, doc.Streamable)
	assert.Equal(t, []string{"ulaw.raw", "alaw.raw"}, doc.Attachments,
		"attachment order must follow declaration order")

	doc, err = store.GetMediaDoc(context.Background(), "media_files", "flat.wav")
	require.NoError(t, err)
	assert.False(t, doc.Streamable)
	assert.Empty(t, doc.Attachments)

	_, err = store.GetMediaDoc(context.Background(), "media_files", "missing.wav")
	assert.ErrorIs(t, err, ErrNotFound)
}
