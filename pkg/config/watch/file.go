// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package watch watches a configuration file for changes.
package watch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	logger "github.com/containers/fragtest/pkg/log"
)

// EventType is the type of a watch event.
type EventType string

const (
	// Added is sent for the initial content of the file, or when it is created.
	Added EventType = "ADDED"
	// Modified is sent when the file is written.
	Modified EventType = "MODIFIED"
	// Deleted is sent when the file is removed or renamed.
	Deleted EventType = "DELETED"
	// Error is sent when watching the file fails and the watch stops.
	Error EventType = "ERROR"
)

// DefaultChanSize is the buffer size of the event channel.
const DefaultChanSize = 100

// Event is a single watch event.
type Event[T any] struct {
	Type   EventType
	Object T
	Err    error
}

// UnmarshalFunc decodes file content into an object.
type UnmarshalFunc[T any] func(data []byte, file string) (T, error)

// FileWatch watches a single file for changes.
type FileWatch[T any] struct {
	dir       string
	file      string
	unmarshal UnmarshalFunc[T]
	fsw       *fsnotify.Watcher
	resultC   chan Event[T]
	stopOnce  sync.Once
	stopC     chan struct{}
	doneC     chan struct{}
}

var log = logger.Get("watch")

// File creates a watch for the given file. Contents of the file are
// decoded using unmarshal. The current content, if the file exists, is
// delivered as an Added event. Content which fails to decode is skipped.
// Watching the directory of the file lets the watch survive the file being
// replaced by a rename, as editors and configmap updates usually do.
func File[T any](file string, unmarshal UnmarshalFunc[T]) (*FileWatch[T], error) {
	absPath, err := filepath.Abs(file)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err = fsw.Add(filepath.Dir(absPath)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &FileWatch[T]{
		dir:       filepath.Dir(absPath),
		file:      filepath.Base(absPath),
		unmarshal: unmarshal,
		fsw:       fsw,
		resultC:   make(chan Event[T], DefaultChanSize),
		stopC:     make(chan struct{}),
		doneC:     make(chan struct{}),
	}

	obj, err := w.readObject()
	switch {
	case err == nil:
		w.sendEvent(Event[T]{Type: Added, Object: obj})
	case !errors.Is(err, fs.ErrNotExist):
		fsw.Close()
		return nil, err
	}

	go w.run()

	return w, nil
}

// Stop stops the watch and closes its result channel.
func (w *FileWatch[T]) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopC)
		<-w.doneC
	})
}

// ResultChan returns the channel for receiving events from the watch.
func (w *FileWatch[T]) ResultChan() <-chan Event[T] {
	return w.resultC
}

func (w *FileWatch[T]) run() {
	defer func() {
		if err := w.fsw.Close(); err != nil {
			log.Warn("%s: failed to close fsnotify watcher: %v", w.name(), err)
		}
		close(w.resultC)
		close(w.doneC)
	}()

	for {
		select {
		case <-w.stopC:
			return

		case err, ok := <-w.fsw.Errors:
			if !ok {
				w.sendEvent(Event[T]{Type: Error, Err: fmt.Errorf("fsnotify error channel closed")})
				return
			}
			log.Warn("%s: fsnotify error: %v", w.name(), err)

		case e, ok := <-w.fsw.Events:
			if !ok {
				w.sendEvent(Event[T]{Type: Error, Err: fmt.Errorf("failed to receive fsnotify event")})
				return
			}

			log.Debug("%s: got event %s", w.name(), e)

			if filepath.Base(e.Name) != w.file {
				continue
			}

			switch {
			case e.Has(fsnotify.Create) || e.Has(fsnotify.Write):
				obj, err := w.readObject()
				if err != nil {
					log.Warn("%s: failed to read: %v", w.name(), err)
					continue
				}
				if e.Has(fsnotify.Create) {
					w.sendEvent(Event[T]{Type: Added, Object: obj})
				} else {
					w.sendEvent(Event[T]{Type: Modified, Object: obj})
				}

			case e.Has(fsnotify.Remove) || e.Has(fsnotify.Rename):
				w.sendEvent(Event[T]{Type: Deleted})
			}
		}
	}
}

func (w *FileWatch[T]) sendEvent(e Event[T]) {
	select {
	case w.resultC <- e:
	default:
		log.Warn("%s: failed to deliver %s event", w.name(), e.Type)
	}
}

func (w *FileWatch[T]) readObject() (T, error) {
	var none T

	file := filepath.Join(w.dir, w.file)
	data, err := os.ReadFile(file)
	if err != nil {
		return none, err
	}

	obj, err := w.unmarshal(data, file)
	if err != nil {
		return none, err
	}

	return obj, nil
}

func (w *FileWatch[T]) name() string {
	return "filewatch " + filepath.Join(w.dir, w.file)
}
