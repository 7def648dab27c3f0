package native

import "github.com/ipsix/avsweep/internal/sigfile"

type acNode struct {
	next map[byte]*acNode
	fail *acNode
	out  []*sigfile.BodySig
}

// automaton is an Aho-Corasick matcher over body signature patterns. It is
// read-only once built and shared by concurrent scans.
type automaton struct {
	root     *acNode
	patterns int
}

func buildAutomaton(sigs []sigfile.BodySig) *automaton {
	root := &acNode{next: make(map[byte]*acNode)}
	added := 0
	for i := range sigs {
		sig := &sigs[i]
		if len(sig.Pattern) == 0 {
			continue
		}
		cur := root
		for _, b := range sig.Pattern {
			nxt, ok := cur.next[b]
			if !ok {
				nxt = &acNode{next: make(map[byte]*acNode)}
				cur.next[b] = nxt
			}
			cur = nxt
		}
		cur.out = append(cur.out, sig)
		added++
	}

	// BFS failure links
	queue := make([]*acNode, 0, len(root.next))
	for _, n := range root.next {
		n.fail = root
		queue = append(queue, n)
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for b, nxt := range n.next {
			f := n.fail
			for f != nil && f.next[b] == nil {
				f = f.fail
			}
			if f == nil {
				nxt.fail = root
			} else {
				nxt.fail = f.next[b]
			}
			if len(nxt.fail.out) > 0 {
				nxt.out = append(nxt.out, nxt.fail.out...)
			}
			queue = append(queue, nxt)
		}
	}
	return &automaton{root: root, patterns: added}
}

// cursor walks the automaton across consecutive chunks of one stream. The
// automaton state survives chunk boundaries, so patterns split between two
// reads are still found.
type cursor struct {
	auto *automaton
	node *acNode
	pos  int64
}

func (a *automaton) cursor() *cursor {
	return &cursor{auto: a, node: a.root}
}

// feed advances over chunk and returns the first signature accepted by
// accept, given its start offset within the stream.
func (c *cursor) feed(chunk []byte, accept func(sig *sigfile.BodySig, start int64) bool) *sigfile.BodySig {
	root := c.auto.root
	for _, b := range chunk {
		n := c.node
		for n != root && n.next[b] == nil {
			n = n.fail
		}
		if nxt, ok := n.next[b]; ok {
			n = nxt
		}
		c.node = n
		c.pos++
		for _, sig := range n.out {
			if accept(sig, c.pos-int64(len(sig.Pattern))) {
				return sig
			}
		}
	}
	return nil
}
