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

package fragtest

// Observer is notified about the progress of runs. Notifications are
// delivered synchronously from the goroutine executing the run, so an
// Observer must not block and must not call back into the Harness.
type Observer interface {
	// RunStarted is called when a run enters the running state.
	RunStarted(mode Mode, cfg Config)
	// AttemptDone is called after every allocation attempt is recorded.
	AttemptDone(rec AttemptRecord)
	// SampleTaken is called for every fragmentation sample.
	SampleTaken(s Sample)
	// RunFinished is called with the result once a run is reported.
	RunFinished(res *Result)
}

// BaseObserver is an Observer which ignores all notifications. It can
// be embedded to implement only a subset of Observer.
type BaseObserver struct{}

var _ Observer = BaseObserver{}

func (BaseObserver) RunStarted(Mode, Config)   {}
func (BaseObserver) AttemptDone(AttemptRecord) {}
func (BaseObserver) SampleTaken(Sample)        {}
func (BaseObserver) RunFinished(*Result)       {}
