package consensus

import (
	"encoding/json"
	"log"
)

// initiateViewChange broadcasts this node's VIEW_CHANGE for the target
// view, carrying its stable checkpoint and prepared certificates so no
// prepared work is lost across the view boundary. One broadcast per
// target view.
func (n *Node) initiateViewChange(target uint64) {
	n.vcMu.Lock()
	if n.sentVC[target] {
		n.vcMu.Unlock()
		return
	}
	n.sentVC[target] = true
	n.vcMu.Unlock()

	payload, err := json.Marshal(ViewChangePayload{
		NewView:        target,
		LastStableSeq:  n.checkpoints.LowWatermark(),
		PreparedProofs: n.protocol.PreparedCertificates(),
	})
	if err != nil {
		return
	}
	msg := &Message{Type: MsgViewChange, View: target, Payload: payload}
	if err := n.codec.Sign(msg); err != nil {
		return
	}
	if n.cfg.Debug {
		log.Printf("node %s: starting view change to view %d", n.cfg.NodeID, target)
	}
	n.broadcastOut([]*Message{msg})
	n.recordViewChange(msg)
}

// handleViewChange processes a peer's VIEW_CHANGE vote.
func (n *Node) handleViewChange(msg *Message) {
	if msg.View <= n.views.CurrentView() {
		n.onDropped(msg.Type, "stale view change")
		return
	}
	var payload ViewChangePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.NewView != msg.View {
		n.onDropped(msg.Type, "malformed view-change payload")
		return
	}
	if !n.validCertificates(payload.PreparedProofs) {
		n.onDropped(msg.Type, "invalid prepared certificate")
		return
	}
	n.recordViewChange(msg)
}

// recordViewChange stores the vote, joins the view change once f+1
// nodes agree a new view is needed, and, if this node is the designated
// primary of the target view, assembles NEW_VIEW at quorum.
func (n *Node) recordViewChange(msg *Message) {
	v := msg.View

	n.vcMu.Lock()
	byNode, ok := n.viewChanges[v]
	if !ok {
		byNode = make(map[string]*Message)
		n.viewChanges[v] = byNode
	}
	byNode[msg.NodeID] = msg
	count := len(byNode)
	built := n.newViewBuilt[v]
	n.vcMu.Unlock()

	if count >= n.cfg.MaxFaults+1 && v > n.views.CurrentView() {
		n.views.JoinViewChange(v)
		n.initiateViewChange(v)
	}
	if !built && count >= n.cfg.QuorumSize() && n.views.PrimaryForView(v) == n.cfg.NodeID {
		n.buildNewView(v)
	}
}

// validCertificates checks each prepared certificate: the request hashes
// to the claimed digest and a quorum of distinct, correctly signed votes
// backs the (view, sequence, digest) triple.
func (n *Node) validCertificates(certs []PreparedCertificate) bool {
	for i := range certs {
		c := &certs[i]
		if c.Request == nil || DigestRequest(c.Request) != c.Digest {
			return false
		}
		seen := make(map[string]bool)
		for j := range c.Prepares {
			p := &c.Prepares[j]
			if p.View != c.View || p.Sequence != c.Sequence || p.Digest != c.Digest {
				continue
			}
			if seen[p.NodeID] || !n.codec.Verify(p) {
				continue
			}
			seen[p.NodeID] = true
		}
		if len(seen) < n.cfg.QuorumSize() {
			return false
		}
	}
	return true
}

// aggregateCertificates reduces a set of VIEW_CHANGE messages to the
// highest stable checkpoint and, per sequence above it, the
// highest-view prepared certificate.
func (n *Node) aggregateCertificates(vcs []Message) (uint64, map[uint64]PreparedCertificate) {
	var maxStable uint64
	best := make(map[uint64]PreparedCertificate)

	for i := range vcs {
		var payload ViewChangePayload
		if err := json.Unmarshal(vcs[i].Payload, &payload); err != nil {
			continue
		}
		if payload.LastStableSeq > maxStable {
			maxStable = payload.LastStableSeq
		}
		for _, cert := range payload.PreparedProofs {
			if prev, ok := best[cert.Sequence]; !ok || cert.View > prev.View {
				best[cert.Sequence] = cert
			}
		}
	}
	for seq := range best {
		if seq <= maxStable {
			delete(best, seq)
		}
	}
	return maxStable, best
}

// buildNewView assembles and broadcasts NEW_VIEW: the quorum of
// VIEW_CHANGE votes as proof, plus re-issued PRE_PREPAREs for every
// carried-over sequence number, null requests filling the gaps.
func (n *Node) buildNewView(v uint64) {
	n.vcMu.Lock()
	if n.newViewBuilt[v] {
		n.vcMu.Unlock()
		return
	}
	n.newViewBuilt[v] = true
	vcs := make([]Message, 0, len(n.viewChanges[v]))
	for _, m := range n.viewChanges[v] {
		vcs = append(vcs, *m)
	}
	n.vcMu.Unlock()

	maxStable, best := n.aggregateCertificates(vcs)
	maxSeq := maxStable
	for seq := range best {
		if seq > maxSeq {
			maxSeq = seq
		}
	}

	var pps []Message
	for seq := maxStable + 1; seq <= maxSeq; seq++ {
		var req *Request
		var digest string
		if cert, ok := best[seq]; ok {
			req = cert.Request
			digest = cert.Digest
		} else {
			req = NullRequest()
			digest = DigestRequest(req)
		}
		payload, err := json.Marshal(req)
		if err != nil {
			continue
		}
		pp := Message{Type: MsgPrePrepare, View: v, Sequence: seq, Digest: digest, Payload: payload}
		if err := n.codec.Sign(&pp); err != nil {
			continue
		}
		pps = append(pps, pp)
	}

	nvPayload, err := json.Marshal(NewViewPayload{ViewChanges: vcs, PrePrepares: pps})
	if err != nil {
		return
	}
	nv := &Message{Type: MsgNewView, View: v, Payload: nvPayload}
	if err := n.codec.Sign(nv); err != nil {
		return
	}
	if n.cfg.Debug {
		log.Printf("node %s: broadcasting NEW_VIEW for view %d with %d re-proposals",
			n.cfg.NodeID, v, len(pps))
	}
	n.broadcastOut([]*Message{nv})

	// The view transition itself runs on the event loop, serialized with
	// old-view message handling: the primary dispatches its own NEW_VIEW
	// instead of entering the view from the timer goroutine.
	select {
	case n.inbox <- nv:
	default:
		n.vcMu.Lock()
		delete(n.newViewBuilt, v)
		n.vcMu.Unlock()
	}
}

// handleNewView validates the new primary's NEW_VIEW against the
// carried proof, then enters the view.
func (n *Node) handleNewView(msg *Message) {
	v := msg.View
	if v <= n.views.CurrentView() {
		n.onDropped(msg.Type, "stale new-view")
		return
	}
	if msg.NodeID != n.views.PrimaryForView(v) {
		n.onDropped(msg.Type, "new-view not from designated primary")
		return
	}
	var payload NewViewPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		n.onDropped(msg.Type, "malformed new-view payload")
		return
	}

	// Each embedded VIEW_CHANGE must be signed AND carry only valid
	// prepared certificates; a Byzantine primary must not smuggle an
	// unbacked digest into the proof through its own vote.
	seen := make(map[string]bool)
	proven := make([]Message, 0, len(payload.ViewChanges))
	for i := range payload.ViewChanges {
		vc := &payload.ViewChanges[i]
		if vc.Type != MsgViewChange || vc.View != v || seen[vc.NodeID] {
			continue
		}
		if !n.codec.Verify(vc) {
			continue
		}
		var vcPayload ViewChangePayload
		if err := json.Unmarshal(vc.Payload, &vcPayload); err != nil || vcPayload.NewView != v {
			continue
		}
		if !n.validCertificates(vcPayload.PreparedProofs) {
			continue
		}
		seen[vc.NodeID] = true
		proven = append(proven, *vc)
	}
	if len(seen) < n.cfg.QuorumSize() {
		n.onDropped(msg.Type, "insufficient view-change proof")
		return
	}

	// Recompute the expected log from the validated proof and require
	// the embedded pre-prepares to match it.
	maxStable, best := n.aggregateCertificates(proven)
	for i := range payload.PrePrepares {
		pp := &payload.PrePrepares[i]
		if pp.Type != MsgPrePrepare || pp.View != v || pp.Sequence <= maxStable {
			n.onDropped(msg.Type, "unexpected re-proposal in new-view")
			return
		}
		if !n.codec.Verify(pp) {
			n.onDropped(msg.Type, "unsigned re-proposal in new-view")
			return
		}
		if cert, ok := best[pp.Sequence]; ok {
			if pp.Digest != cert.Digest {
				n.onDropped(msg.Type, "re-proposal digest conflicts with prepared certificate")
				return
			}
		} else {
			var req Request
			if err := json.Unmarshal(pp.Payload, &req); err != nil || !req.IsNull() {
				n.onDropped(msg.Type, "gap re-proposal is not a null request")
				return
			}
		}
	}

	n.enterView(v, payload.PrePrepares)
}

// enterView installs the new view and replays the re-issued proposals.
// Unexecuted slots from the old view are discarded; their requests go
// back to the queue for re-proposal.
func (n *Node) enterView(v uint64, pps []Message) {
	orphans := n.protocol.ResetForView()
	if err := n.views.CompleteViewChange(v); err != nil {
		n.onDropped(MsgNewView, "view transition rejected")
		return
	}
	n.metrics.ViewChanges.Inc()
	if n.cfg.Debug {
		log.Printf("node %s: entered view %d, primary %s", n.cfg.NodeID, v, n.views.PrimaryID())
	}

	var maxSeq uint64
	for i := range pps {
		if pps[i].Sequence > maxSeq {
			maxSeq = pps[i].Sequence
		}
	}
	n.protocol.SetNextSequence(maxSeq)

	for i := range pps {
		n.broadcastOut(n.protocol.HandlePrePrepare(&pps[i]))
	}

	for _, req := range orphans {
		if err := n.queue.Add(req); err != nil {
			continue
		}
	}

	n.vcMu.Lock()
	for view := range n.viewChanges {
		if view <= v {
			delete(n.viewChanges, view)
		}
	}
	for view := range n.sentVC {
		if view <= v {
			delete(n.sentVC, view)
		}
	}
	for view := range n.newViewBuilt {
		if view <= v {
			delete(n.newViewBuilt, view)
		}
	}
	n.vcMu.Unlock()

	if n.IsPrimary() {
		n.drainProposals()
	} else {
		// The old primary may have swallowed forwarded requests; hand
		// every still-pending request to the new one.
		for _, req := range n.queue.Pending() {
			n.forwardToPrimary(req)
		}
	}
}
