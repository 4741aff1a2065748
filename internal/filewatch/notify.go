package filewatch

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// startNotify subscribes to OS file events for every watched directory and
// turns them into wake-ups of the polling loop. Snapshots stay the source of
// truth; events only shorten the wait. Any setup failure leaves the loop in
// pure polling mode.
func (l *watchLoop) startNotify() {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("fsnotify unavailable, polling only")
		return
	}
	for _, dir := range l.dirs {
		addTree(fw, dir)
	}
	quit := make(chan struct{})
	l.notifier = func() {
		close(quit)
		_ = fw.Close()
	}
	go func() {
		for {
			select {
			case <-quit:
				return
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Create) {
					if st, err := os.Stat(ev.Name); err == nil && st.IsDir() {
						addTree(fw, ev.Name)
					}
				}
				select {
				case l.wake <- struct{}{}:
				default:
				}
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				log.Debug().Err(err).Msg("fsnotify error")
			}
		}
	}()
}

func addTree(fw *fsnotify.Watcher, root string) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if err := fw.Add(path); err != nil {
			log.Debug().Err(err).Str("dir", path).Msg("unable to watch directory")
		}
		return nil
	})
}
