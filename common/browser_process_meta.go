package common

const (
	unknownProcessPid = -1
)

// processMeta handles the metadata associated with
// a browser process, especifically, the OS process handle
// and the associated profile directory.
type processMeta interface {
	Pid() int
	ProfileDir() string
	Cleanup() error
}

// profile is the profile directory a Config prepared.
type profile interface {
	OwnsProfile() bool
	Cleanup() error
}

// localProcessMeta holds the metadata for a launched
// browser process.
type localProcessMeta struct {
	process *BrowserProcess
	dir     string
	profile profile
}

func newLocalProcessMeta(process *BrowserProcess, dir string, p profile) *localProcessMeta {
	return &localProcessMeta{
		process: process,
		dir:     dir,
		profile: p,
	}
}

// Pid returns the Pid for the local browser process.
func (l *localProcessMeta) Pid() int {
	return l.process.Pid()
}

// ProfileDir returns the user data directory of the process.
func (l *localProcessMeta) ProfileDir() string { return l.dir }

// Cleanup removes the profile directory if it is a temporary one.
// The directory removal is retried while the browser releases its files.
func (l *localProcessMeta) Cleanup() error {
	if !l.profile.OwnsProfile() {
		return nil
	}
	return l.profile.Cleanup() //nolint:wrapcheck
}

// remoteProcessMeta is a placeholder for an attached browser, whose process
// and profile are not ours.
type remoteProcessMeta struct{}

func newRemoteProcessMeta() *remoteProcessMeta {
	return &remoteProcessMeta{}
}

// Pid returns -1 as the remote browser process is unknown.
func (r *remoteProcessMeta) Pid() int {
	return unknownProcessPid
}

// ProfileDir returns an empty string, the profile lives with the remote
// browser.
func (r *remoteProcessMeta) ProfileDir() string { return "" }

// Cleanup does nothing and returns nil, as there is no
// access to the remote browser's user data directory.
func (r *remoteProcessMeta) Cleanup() error {
	// Nothing to do.
	return nil
}
