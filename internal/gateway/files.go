package gateway

import (
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/nextlevelbuilder/deskpilot/internal/sessions"
	"github.com/nextlevelbuilder/deskpilot/pkg/protocol"
)

const (
	fileOfferTTL  = 10 * time.Minute
	maxFileOffers = 256
)

// FileOffer is a host file made available to specific sessions.
type FileOffer struct {
	ID      string
	Path    string
	Name    string
	Size    int64
	Mime    string
	Targets map[string]bool
	Created time.Time
}

// Payload is what the targeted devices are told about the offer.
func (o *FileOffer) Payload() protocol.FilePushPayload {
	return protocol.FilePushPayload{
		FileID: o.ID,
		Name:   o.Name,
		Size:   o.Size,
		Mime:   o.Mime,
		URL:    "/api/files/" + o.ID,
	}
}

// FileOffers holds pending offers until they expire.
type FileOffers struct {
	cache *expirable.LRU[string, *FileOffer]
}

func NewFileOffers(ttl time.Duration) *FileOffers {
	return &FileOffers{cache: expirable.NewLRU[string, *FileOffer](maxFileOffers, nil, ttl)}
}

// Add offers the regular file at path to targets.
func (f *FileOffers) Add(path string, targets []string) (*FileOffer, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, protocol.Wrap(protocol.CodeInvalidRequest, err, "invalid path")
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, protocol.Errorf(protocol.CodeNotFound, "file %s not found", path)
		}
		return nil, protocol.Wrap(protocol.CodeInvalidRequest, err, "stat file")
	}
	if !info.Mode().IsRegular() {
		return nil, protocol.Errorf(protocol.CodeInvalidRequest, "%s is not a regular file", path)
	}

	offer := &FileOffer{
		ID:      uuid.NewString(),
		Path:    abs,
		Name:    info.Name(),
		Size:    info.Size(),
		Mime:    mime.TypeByExtension(filepath.Ext(abs)),
		Targets: make(map[string]bool, len(targets)),
		Created: time.Now(),
	}
	if offer.Mime == "" {
		offer.Mime = "application/octet-stream"
	}
	for _, id := range targets {
		offer.Targets[id] = true
	}
	f.cache.Add(offer.ID, offer)
	return offer, nil
}

// Get returns a live offer.
func (f *FileOffers) Get(id string) (*FileOffer, bool) {
	return f.cache.Get(id)
}

// handleFileDownload serves an offered file to one of its targets.
func (s *Server) handleFileDownload(w http.ResponseWriter, r *http.Request, sess sessions.Session) {
	offer, ok := s.files.Get(r.PathValue("id"))
	if !ok || !offer.Targets[sess.ID] {
		writeError(w, protocol.Errorf(protocol.CodeNotFound, "no such file offer"))
		return
	}
	fh, err := os.Open(offer.Path)
	if err != nil {
		writeError(w, protocol.Errorf(protocol.CodeNotFound, "offered file is gone"))
		return
	}
	defer fh.Close()
	info, err := fh.Stat()
	if err != nil {
		writeError(w, protocol.Wrap(protocol.CodeInternal, err, "stat offered file"))
		return
	}

	w.Header().Set("Content-Type", offer.Mime)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": offer.Name}))
	http.ServeContent(w, r, offer.Name, info.ModTime(), fh)
}
