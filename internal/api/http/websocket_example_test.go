package http

// Following runs from a browser:
//
//   // every event of one run
//   const ws = new WebSocket('ws://localhost:8080/ws?run_id=' + runId);
//
//   // or narrow an open connection
//   ws.send(JSON.stringify({
//     action: 'subscribe',
//     event_types: ['parameters.promoted', 'run.completed', 'run.stopped'],
//     run_ids: [runId]
//   }));
//
//   ws.onmessage = (event) => {
//     const msg = JSON.parse(event.data);
//     // {
//     //   "type": "parameters.promoted",
//     //   "run_id": "8c1d...",
//     //   "data": {"run_id": "8c1d...", "job_id": 17, "iteration": 2,
//     //            "params": {"fast": "10", "slow": "40"}, "score": "1.84", ...},
//     //   "timestamp": "2026-03-02T10:30:00Z"
//     // }
//   };
//
// An empty event type or run set means "all". "unsubscribe" removes entries
// from either set. Malformed run_id query values are rejected with 400 before
// the upgrade. Clients that cannot send ping frames may send the text "ping"
// and receive "pong".
//
// Message types: run.started, run.completed, run.stopped, iteration.planned,
// job.dispatched, job.result, parameters.promoted.
