package queue

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/ChuLiYu/molequeue/pkg/types"
)

// Commands are the batch system invocations a remote queue runs.
type Commands struct {
	Submit string
	Status string
	Kill   string
}

// merge fills empty fields of c from d.
func (c Commands) merge(d Commands) Commands {
	if c.Submit == "" {
		c.Submit = d.Submit
	}
	if c.Status == "" {
		c.Status = d.Status
	}
	if c.Kill == "" {
		c.Kill = d.Kill
	}
	return c
}

// Backend knows one batch system's command syntax and output formats.
type Backend interface {
	Type() string
	DefaultCommands() Commands
	DefaultLaunchTemplate() string
	// AllowedExitCodes lists status command exit codes besides 0 that are not errors.
	AllowedExitCodes() []int
	// StatusCommand builds the status invocation for the tracked queue ids.
	StatusCommand(status string, queueIDs []types.ID) string
	ParseQueueID(submitOutput string) (types.ID, bool)
	ParseQueueLine(line string) (types.ID, types.JobState, bool)
}

func joinIDs(status string, ids []types.ID) string {
	var b strings.Builder
	b.WriteString(status)
	for _, id := range ids {
		b.WriteByte(' ')
		b.WriteString(strconv.FormatUint(id, 10))
	}
	return b.String()
}

// ============================================================================
// PBS / Torque
// ============================================================================

type PBS struct{}

var pbsQueueID = regexp.MustCompile(`^\s*(\d+)(\.\S*)?\s*$`)

func (PBS) Type() string { return "pbs" }

func (PBS) DefaultCommands() Commands {
	return Commands{Submit: "qsub", Status: "qstat", Kill: "qdel"}
}

func (PBS) DefaultLaunchTemplate() string {
	return `#!/bin/sh
#
# Job script generated by MoleQueue.
#
#PBS -l procs=$$numberOfCores$$
#PBS -l walltime=$$maxWallTime$$

cd $PBS_O_WORKDIR
$$programExecution$$
`
}

// 153 is qstat's "unknown job id", reported once a job leaves the queue.
func (PBS) AllowedExitCodes() []int { return []int{153} }

func (PBS) StatusCommand(status string, ids []types.ID) string { return joinIDs(status, ids) }

// ParseQueueID reads qsub's "1234.server" reply.
func (PBS) ParseQueueID(output string) (types.ID, bool) {
	m := pbsQueueID.FindStringSubmatch(strings.TrimSpace(output))
	if m == nil {
		return types.InvalidID, false
	}
	id, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return types.InvalidID, false
	}
	return id, true
}

// ParseQueueLine reads one qstat row:
//
//	1234.server   job.sh   user   00:00:01 R batch
func (PBS) ParseQueueLine(line string) (types.ID, types.JobState, bool) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return types.InvalidID, types.StateUnknown, false
	}
	idField := fields[0]
	if dot := strings.IndexByte(idField, '.'); dot >= 0 {
		idField = idField[:dot]
	}
	id, err := strconv.ParseUint(idField, 10, 64)
	if err != nil {
		return types.InvalidID, types.StateUnknown, false
	}

	var state types.JobState
	switch strings.ToUpper(fields[4]) {
	case "R", "E":
		state = types.StateRunningRemote
	case "Q", "H", "T", "W", "S":
		state = types.StateQueuedRemote
	default:
		return types.InvalidID, types.StateUnknown, false
	}
	return id, state, true
}

// ============================================================================
// Sun Grid Engine
// ============================================================================

type SGE struct{}

var sgeQueueID = regexp.MustCompile(`[Yy]our job (\d+)`)

func (SGE) Type() string { return "sge" }

func (SGE) DefaultCommands() Commands {
	return Commands{Submit: "qsub", Status: "qstat", Kill: "qdel"}
}

func (SGE) DefaultLaunchTemplate() string {
	return `#!/bin/sh
#
# Job script generated by MoleQueue.
#
#$ -cwd
#$ -pe molequeue $$numberOfCores$$
#$ -l h_rt=$$maxWallTime$$

$$programExecution$$
`
}

func (SGE) AllowedExitCodes() []int { return nil }

// SGE's qstat lists every job of the user; ids are not accepted as filters.
func (SGE) StatusCommand(status string, _ []types.ID) string { return status }

// ParseQueueID reads qsub's `Your job 1234 ("job.sh") has been submitted`.
func (SGE) ParseQueueID(output string) (types.ID, bool) {
	m := sgeQueueID.FindStringSubmatch(output)
	if m == nil {
		return types.InvalidID, false
	}
	id, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return types.InvalidID, false
	}
	return id, true
}

// ParseQueueLine reads one qstat row:
//
//	1234 0.55500 job.sh user r 01/01/2013 12:00:00 all.q@node1 4
func (SGE) ParseQueueLine(line string) (types.ID, types.JobState, bool) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return types.InvalidID, types.StateUnknown, false
	}
	id, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return types.InvalidID, types.StateUnknown, false
	}

	code := fields[4]
	switch {
	case strings.ContainsAny(code, "qwhs"):
		return id, types.StateQueuedRemote, true
	case strings.ContainsAny(code, "rt"):
		return id, types.StateRunningRemote, true
	}
	return types.InvalidID, types.StateUnknown, false
}

// BackendFor returns the backend for a config queue type.
func BackendFor(kind string) (Backend, bool) {
	switch kind {
	case "pbs":
		return PBS{}, true
	case "sge":
		return SGE{}, true
	}
	return nil, false
}
