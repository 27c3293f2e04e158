// internal/web/logs.go
//
// App log retrieval.  format=json serves structured event rows from the
// store; format=text tails logs/<slug>.log, which carries the same
// lifecycle lines plus the child process console output.
//
// Oxford commas, two spaces after periods.

package web

import (
	"bytes"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
)

const (
	defaultLogLimit = 100
	// maxLogLimit matches the event store's own ceiling; a larger cap
	// here would be silently re-clamped below.
	maxLogLimit = 500

	// tailWindow bounds how far back the text tail reads; rotation
	// keeps the file small, this keeps the handler honest anyway.
	tailWindow = 256 << 10
)

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	if _, err := s.d.Apps.Get(r.Context(), slug); err != nil {
		writeErr(w, r, storeErr(err))
		return
	}

	limit := defaultLogLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeErr(w, r, fail(http.StatusBadRequest, CodeBadRequest, "limit must be a positive integer"))
			return
		}
		limit = min(n, maxLogLimit)
	}

	level := r.URL.Query().Get("level")
	switch level {
	case "", "info", "warn", "error":
	default:
		writeErr(w, r, fail(http.StatusBadRequest, CodeBadEnum, "unknown level %q", level))
		return
	}

	switch format := r.URL.Query().Get("format"); format {
	case "", "json":
		entries, err := s.d.Events.Recent(r.Context(), slug, limit, level)
		if err != nil {
			writeErr(w, r, storeErr(err))
			return
		}
		writeOK(w, http.StatusOK, map[string]any{"logs": entries, "count": len(entries)})
	case "text":
		lines, err := tailFile(filepath.Join(s.cfg.Paths.Logs, slug+".log"), limit)
		if err != nil {
			writeErr(w, r, fail(http.StatusInternalServerError, CodeFSFailed, "could not read the log file"))
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write(lines)
	default:
		writeErr(w, r, fail(http.StatusBadRequest, CodeBadEnum, "format must be json or text"))
	}
}

// tailFile returns the last n lines of path.  A missing file is an
// empty log, not an error.
func tailFile(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	offset := st.Size() - tailWindow
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}
	buf, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	// Drop the partial first line when the window cut mid-line.
	if offset > 0 {
		if i := bytes.IndexByte(buf, '\n'); i >= 0 {
			buf = buf[i+1:]
		}
	}
	lines := bytes.Split(bytes.TrimRight(buf, "\n"), []byte("\n"))
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	if len(lines) == 1 && len(lines[0]) == 0 {
		return nil, nil
	}
	return append(bytes.Join(lines, []byte("\n")), '\n'), nil
}
