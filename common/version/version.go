// Package version identifies the jet-agent build. The values are stamped
// by the release build:
//
//	go build -ldflags "-X github.com/bdobrica/jet-agent/common/version.Version=v1.2.0 \
//	  -X github.com/bdobrica/jet-agent/common/version.GitCommit=$(git rev-parse --short HEAD) \
//	  -X github.com/bdobrica/jet-agent/common/version.BuildTime=$(date -u +%FT%TZ)"
//
// The agent reports them on /health and /status, in --version and in the
// connection name it announces to the message bus.
package version

var (
	Version   = "v0.0.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Info is the one-line build description printed by --version.
func Info() string {
	return Version + " (" + GitCommit + ") built at " + BuildTime
}

// UserAgent is the connection name for the agent with agentID, so operators
// can tell hosts and versions apart in the bus server's monitoring.
func UserAgent(agentID string) string {
	return "jet-agent/" + Version + " (" + agentID + ")"
}
