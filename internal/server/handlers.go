package server

import (
	"fmt"

	"github.com/ChuLiYu/molequeue/internal/jobmanager"
	"github.com/ChuLiYu/molequeue/internal/jsonrpc"
	"github.com/ChuLiYu/molequeue/internal/storage/wal"
	"github.com/ChuLiYu/molequeue/pkg/types"
)

// ============================================================================
// JSON-RPC 事件處理（只在 event loop 上執行）
// ============================================================================

func (s *Server) handleEvent(ev jsonrpc.Event) {
	if code := jsonrpc.ReplyToProtocolError(ev); code != 0 {
		s.metrics.RecordProtocolError()
		s.metrics.RecordPacket("out")
		return
	}

	switch e := ev.(type) {
	case jsonrpc.QueueListRequest:
		s.send(e.Route, jsonrpc.GenerateQueueList(s.queues.QueueList(), e.ID))
	case jsonrpc.JobSubmissionRequest:
		s.submitJob(e)
	case jsonrpc.CancelJobRequest:
		s.cancelJob(e)
	case jsonrpc.LookupJobRequest:
		s.lookupJob(e)
	default:
		log.Debug("ignoring event", "event", fmt.Sprintf("%T", ev))
	}
}

func (s *Server) submissionError(route jsonrpc.Route, code types.SubmissionErrorCode, msg string, data, id any) {
	log.Warn("rejecting request", "code", int(code), "message", msg)
	s.send(route, jsonrpc.GenerateErrorResponse(int(code), msg, data, id))
}

func (s *Server) submitJob(req jsonrpc.JobSubmissionRequest) {
	opts, err := types.JobFromHash(req.Options)
	if err != nil {
		s.submissionError(req.Route, types.UnknownSubmissionError, err.Error(), nil, req.ID)
		return
	}

	q, ok := s.queues.Lookup(opts.Queue)
	if !ok {
		s.submissionError(req.Route, types.InvalidQueue, "Unknown queue: "+opts.Queue, nil, req.ID)
		return
	}
	if _, ok := q.Program(opts.Program); !ok {
		s.submissionError(req.Route, types.InvalidProgram,
			fmt.Sprintf("Unknown program for queue %s: %s", opts.Queue, opts.Program), nil, req.ID)
		return
	}

	job := s.jobs.NewJob(opts)
	id := job.MoleQueueID
	// 本機工作目錄一律由伺服器指定，用戶端給的值不採用
	if requested := job.LocalWorkingDirectory; requested != "" && requested != s.JobDirectory(id) {
		log.Debug("ignoring requested working directory", "moleQueueId", id, "requested", requested)
	}
	job.LocalWorkingDirectory = s.JobDirectory(id)
	_ = s.jobs.Update(id, func(j *types.Job) { j.LocalWorkingDirectory = job.LocalWorkingDirectory })
	s.routes[id] = req.Route
	s.journalJob(job, false)
	s.metrics.RecordSubmitted()

	log.Info("job submitted", "moleQueueId", id, "queue", job.Queue, "program", job.Program)
	s.send(req.Route, jsonrpc.GenerateJobSubmissionConfirmation(id, job.LocalWorkingDirectory, req.ID))

	if err := q.Submit(job); err != nil {
		log.Error("queue rejected job", "moleQueueId", id, "queue", q.Name(), "error", err)
	}
}

func (s *Server) cancelJob(req jsonrpc.CancelJobRequest) {
	job, ok := s.jobs.Lookup(req.MoleQueueID)
	if !ok {
		s.submissionError(req.Route, types.InvalidMoleQueueID, "Unknown MoleQueue ID", req.MoleQueueID, req.ID)
		return
	}
	if job.State.Terminal() {
		s.submissionError(req.Route, types.JobAlreadyFinished,
			"Job already finished or killed", req.MoleQueueID, req.ID)
		return
	}

	if q, ok := s.queues.Lookup(job.Queue); ok {
		q.Kill(job)
	} else if err := s.jobs.SetState(job.MoleQueueID, types.StateKilled); err != nil {
		log.Warn("could not kill job", "moleQueueId", job.MoleQueueID, "error", err)
	}
	s.send(req.Route, jsonrpc.GenerateJobCancellationConfirmation(req.MoleQueueID, req.ID))
}

func (s *Server) lookupJob(req jsonrpc.LookupJobRequest) {
	job, ok := s.jobs.Lookup(req.MoleQueueID)
	if !ok {
		s.send(req.Route, jsonrpc.GenerateLookupJobResponse(nil, req.MoleQueueID, req.ID))
		return
	}
	s.send(req.Route, jsonrpc.GenerateLookupJobResponse(&job, req.MoleQueueID, req.ID))
}

// ============================================================================
// 任務登記表監聽器
// ============================================================================

// jobStateChanged pushes the transition to whoever submitted the job.
func (s *Server) jobStateChanged(c jobmanager.StateChange) {
	s.journalJob(c.Job, c.NewState.Terminal() || c.NewState == types.StateError)
	s.metrics.RecordTransition(c.NewState.String())
	s.metrics.UpdateJobStats(s.jobs.Stats(), stateNames())
	log.Debug("job state changed", "moleQueueId", c.Job.MoleQueueID,
		"from", c.OldState.String(), "to", c.NewState.String())

	route, ok := s.routes[c.Job.MoleQueueID]
	if !ok {
		return
	}
	data := jsonrpc.GenerateJobStateChangeNotification(c.Job.MoleQueueID, c.OldState, c.NewState)
	if err := route.Reply(data); err != nil {
		log.Debug("submitter gone, dropping notifications", "moleQueueId", c.Job.MoleQueueID, "error", err)
		delete(s.routes, c.Job.MoleQueueID)
		return
	}
	s.metrics.RecordPacket("out")
	if c.NewState.Terminal() {
		delete(s.routes, c.Job.MoleQueueID)
	}
}

func (s *Server) jobRemoved(job types.Job) {
	if s.journal != nil {
		if err := s.journal.Append(wal.EventRemove, job.MoleQueueID, nil, true); err != nil {
			log.Error("failed to journal removal", "moleQueueId", job.MoleQueueID, "error", err)
		}
	}
	delete(s.routes, job.MoleQueueID)
	if q, ok := s.queues.Lookup(job.Queue); ok {
		q.Forget(job)
	}
	s.metrics.UpdateJobStats(s.jobs.Stats(), stateNames())
}
