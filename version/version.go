package version

var (
	// GitCommit is the current HEAD set using ldflags.
	GitCommit string

	// Version is the built softwares version.
	Version = ProjectorSemVer
)

func init() {
	if GitCommit != "" {
		Version += "-" + GitCommit
	}
}

const (
	// ProjectorSemVer is the current version of the projector.
	// It's the Semantic Version of the software.
	ProjectorSemVer = "0.1.0"

	// WireVersion is the version of the event subscription protocol the
	// projector speaks.
	WireVersion = "1"
)
