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

package main

import (
	"io"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/containers/fragtest/pkg/fragtest"
)

// progressObserver shows the progress of a run as a progress bar.
type progressObserver struct {
	fragtest.BaseObserver
	sync.Mutex
	w   io.Writer
	bar *progressbar.ProgressBar
}

func newProgressObserver(w io.Writer) *progressObserver {
	return &progressObserver{w: w}
}

func (p *progressObserver) RunStarted(mode fragtest.Mode, cfg fragtest.Config) {
	p.Lock()
	defer p.Unlock()

	total := -1
	switch {
	case mode == fragtest.ModePaced:
		total = cfg.BatchCount * cfg.BatchUnits
	case cfg.FillLimit > 0:
		total = cfg.FillLimit
	}

	p.bar = progressbar.NewOptions(total,
		progressbar.OptionSetWriter(p.w),
		progressbar.OptionSetDescription(mode.String()),
		progressbar.OptionShowCount(),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
}

func (p *progressObserver) AttemptDone(fragtest.AttemptRecord) {
	p.Lock()
	defer p.Unlock()

	if p.bar != nil {
		_ = p.bar.Add(1)
	}
}

func (p *progressObserver) RunFinished(*fragtest.Result) {
	p.Lock()
	defer p.Unlock()

	if p.bar != nil {
		_ = p.bar.Finish()
		p.bar = nil
	}
}
