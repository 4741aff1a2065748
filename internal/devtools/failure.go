package devtools

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/carlosprados/devloop/internal/filewatch"
	"github.com/carlosprados/devloop/internal/restart"
)

// FileWatchingFailureHandler waits for the next change in the classpath
// directories and then asks for a retry. It aborts when ctx is done or no
// watcher can be built.
type FileWatchingFailureHandler struct {
	ctx     context.Context
	factory WatcherFactory
	urls    func() []string
}

func NewFileWatchingFailureHandler(ctx context.Context, factory WatcherFactory, urls func() []string) *FileWatchingFailureHandler {
	if ctx == nil {
		ctx = context.Background()
	}
	return &FileWatchingFailureHandler{ctx: ctx, factory: factory, urls: urls}
}

func (h *FileWatchingFailureHandler) Handle(err error) restart.Outcome {
	w, ferr := h.factory()
	if ferr != nil {
		log.Error().Err(ferr).Msg("unable to watch for changes after failed launch")
		return restart.Abort
	}
	if ferr := w.AddSourceDirectories(ClassPathDirectories(h.urls())); ferr != nil {
		log.Error().Err(ferr).Msg("unable to watch for changes after failed launch")
		return restart.Abort
	}
	changed := make(chan struct{}, 1)
	_ = w.AddListener(filewatch.ListenerFunc(func([]filewatch.ChangedFiles) {
		select {
		case changed <- struct{}{}:
		default:
		}
	}))
	log.Info().Err(err).Msg("application failed to start, waiting for changes before retrying")
	w.Start()
	defer w.Stop()
	select {
	case <-changed:
		return restart.Retry
	case <-h.ctx.Done():
		return restart.Abort
	}
}
