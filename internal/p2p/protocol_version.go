package p2p

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/koinos/koinos-invsync/internal/p2perrors"
)

const (
	invSyncProtocolPrefix = "koinos/invsync/"
	versionMajor          = 1
	versionMinor          = 0
	versionPatch          = 0
	versionPrerelease     = ""
	versionMetadata       = ""
)

var invSyncProtocolVersion = semver.New(versionMajor, versionMinor, versionPatch, versionPrerelease, versionMetadata)

// InvSyncProtocolVersion returns the version of the inventory protocol spoken by this node
func InvSyncProtocolVersion() *semver.Version {
	return invSyncProtocolVersion
}

// InvSyncProtocolVersionString returns the version advertised through libp2p identify
func InvSyncProtocolVersionString() string {
	return invSyncProtocolPrefix + InvSyncProtocolVersion().String()
}

// ParseProtocolVersion reads an identify protocol version string and checks
// it is compatible with this node. Versions sharing the major version are compatible.
func ParseProtocolVersion(versionString string) (*semver.Version, error) {
	if !strings.HasPrefix(versionString, invSyncProtocolPrefix) {
		return nil, fmt.Errorf("%w, unknown protocol %s", p2perrors.ErrProtocolMismatch, versionString)
	}

	version, err := semver.NewVersion(strings.TrimPrefix(versionString, invSyncProtocolPrefix))
	if err != nil {
		return nil, fmt.Errorf("%w, %s", p2perrors.ErrProtocolMismatch, err.Error())
	}

	if version.Major() != InvSyncProtocolVersion().Major() {
		return nil, fmt.Errorf("%w, peer version %s", p2perrors.ErrProtocolMismatch, version)
	}

	return version, nil
}
