package cmn

// Runner is implemented by every long-lived background loop a RunGroup
// manages: the EVS timers and the stats reporter
// (grounded on the teacher's ais/daemon.go cmn.Runner contract).
type Runner interface {
	Run() error
	Stop(err error)
	Setname(n string)
	Getname() string
}

// RunGroup races a set of named Runners on a shared error channel: the
// first to exit stops all the others (grounded on the teacher's
// `rungroup` in ais/daemon.go).
type RunGroup struct {
	runarr []Runner
	runmap map[string]Runner
	errCh  chan error
	stopCh chan error
}

// NewRunGroup constructs an empty group.
func NewRunGroup() *RunGroup {
	return &RunGroup{runmap: make(map[string]Runner)}
}

// Add registers r under name and assigns it that name via Setname.
func (g *RunGroup) Add(r Runner, name string) {
	r.Setname(name)
	g.runarr = append(g.runarr, r)
	g.runmap[name] = r
}

// Get returns the runner registered under name, or nil.
func (g *RunGroup) Get(name string) Runner { return g.runmap[name] }

// Run starts every registered Runner in its own goroutine and blocks
// until the first one exits, then stops the rest and waits for them to
// drain (grounded on ais/daemon.go's rungroup.run()).
func (g *RunGroup) Run() error {
	if len(g.runarr) == 0 {
		return nil
	}
	g.errCh = make(chan error, len(g.runarr))
	g.stopCh = make(chan error, 1)
	for i, r := range g.runarr {
		go func(i int, r Runner) {
			err := r.Run()
			Log.Warningf("runner [%s] exited with err [%v]", r.Getname(), err)
			g.errCh <- err
		}(i, r)
	}

	err := <-g.errCh
	for _, r := range g.runarr {
		r.Stop(err)
	}
	for i := 0; i < cap(g.errCh)-1; i++ {
		<-g.errCh
	}
	g.stopCh <- nil
	return err
}

// Stop requests every runner stop (used to drive a clean shutdown
// without waiting for one to error out first).
func (g *RunGroup) Stop(err error) {
	for _, r := range g.runarr {
		r.Stop(err)
	}
}
