package cmd

import (
	"bytes"
	"fmt"
	"github.com/RindouKobayashi/NAI-BOT/naibot"
	"github.com/stretchr/testify/assert"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := naibot.Version
	originalCommitSHA := naibot.CommitSHA
	originalBuildTime := naibot.BuildTime

	t.Cleanup(
		func() {
			naibot.Version = originalVersion
			naibot.CommitSHA = originalCommitSHA
			naibot.BuildTime = originalBuildTime
			versionCmd.SetOut(nil)
		},
	)

	naibot.Version = "1.0.0"
	naibot.CommitSHA = "abc123"
	naibot.BuildTime = "2023-10-01T12:00:00Z"

	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)

	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		naibot.Version,
		naibot.CommitSHA,
		naibot.BuildTime,
	)
	assert.Equal(t, expected, out.String())
}
