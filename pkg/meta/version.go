package meta

const (
	// APIVersion covers the status frontend and the CLI surface. Bump the
	// min version only when an existing field or endpoint changes meaning.
	APIVersion    = 1
	APIMinVersion = 1

	// PortProtocolVersion tracks the framed protocol spoken to the
	// storage port agent.
	PortProtocolVersion = 1
)

// Following variables are filled in by the build
var (
	Version   string
	GitCommit string
	BuildDate string
)

type VersionOutput struct {
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
	BuildDate string `json:"buildDate"`

	APIVersion          int `json:"apiVersion"`
	APIMinVersion       int `json:"apiMinVersion"`
	PortProtocolVersion int `json:"portProtocolVersion"`
}

func GetVersion() VersionOutput {
	return VersionOutput{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,

		APIVersion:          APIVersion,
		APIMinVersion:       APIMinVersion,
		PortProtocolVersion: PortProtocolVersion,
	}
}
