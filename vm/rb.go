package vm

type Rbc_t bool

const (
	RED   Rbc_t = false
	BLACK Rbc_t = true
)

// Rbh_t indexes regions by start page. Nodes never move once inserted, so a
// *Vminfo_t stays valid until its own node is removed.
type Rbh_t struct {
	root *Rbn_t
}

type Rbn_t struct {
	p *Rbn_t
	// 0 is the left child, 1 the right
	kid [2]*Rbn_t
	c   Rbc_t
	vmi Vminfo_t
}

func isred(n *Rbn_t) bool {
	return n != nil && n.c == RED
}

// which child of its parent n is
func (n *Rbn_t) dir() int {
	if n == n.p.kid[0] {
		return 0
	}
	return 1
}

// makes old's parent point at n instead
func (h *Rbh_t) _replace(old, n *Rbn_t) {
	if old.p == nil {
		h.root = n
	} else {
		old.p.kid[old.dir()] = n
	}
}

// rotates nn towards d; d == 0 is a left rotation.
func (h *Rbh_t) _rotate(nn *Rbn_t, d int) {
	o := 1 - d
	tmp := nn.kid[o]
	nn.kid[o] = tmp.kid[d]
	if tmp.kid[d] != nil {
		tmp.kid[d].p = nn
	}
	tmp.p = nn.p
	h._replace(nn, tmp)
	tmp.kid[d] = nn
	nn.p = tmp
}

func (h *Rbh_t) _balance(nn *Rbn_t) {
	for isred(nn.p) {
		par := nn.p
		// a red node is never the root
		gp := par.p
		d := par.dir()
		uncle := gp.kid[1-d]
		if isred(uncle) {
			par.c, uncle.c, gp.c = BLACK, BLACK, RED
			nn = gp
			continue
		}
		if nn.dir() != d {
			h._rotate(par, d)
			nn, par = par, nn
		}
		par.c, gp.c = BLACK, RED
		h._rotate(gp, 1-d)
	}
	h.root.c = BLACK
}

func (h *Rbh_t) _insert(vmi *Vminfo_t) *Rbn_t {
	var par *Rbn_t
	d := 0
	for n := h.root; n != nil; n = n.kid[d] {
		// XXXPANIC
		if n.vmi.Pgn == vmi.Pgn {
			panic("addr exists")
		}
		par = n
		d = 0
		if vmi.Pgn > n.vmi.Pgn {
			d = 1
		}
	}
	nn := &Rbn_t{p: par, c: RED, vmi: *vmi}
	if par == nil {
		h.root = nn
	} else {
		par.kid[d] = nn
	}
	h._balance(nn)
	return nn
}

// returns the node whose range contains pgn
func (h *Rbh_t) lookup(pgn uintptr) *Rbn_t {
	n := h.root
	for n != nil {
		pgend := n.vmi.Pgn + uintptr(n.vmi.Pglen)
		if pgn >= n.vmi.Pgn && pgn < pgend {
			break
		} else if n.vmi.Pgn < pgn {
			n = n.kid[1]
		} else {
			n = n.kid[0]
		}
	}
	return n
}

// puts n, which may be nil, where old was
func (h *Rbh_t) _transplant(old, n *Rbn_t) {
	h._replace(old, n)
	if n != nil {
		n.p = old.p
	}
}

// nn may be nil; par is its parent.
func (h *Rbh_t) _rembalance(par, nn *Rbn_t) {
	for nn != h.root && !isred(nn) {
		d := 0
		if nn != par.kid[0] {
			d = 1
		}
		// the removed black node guarantees a sibling
		sib := par.kid[1-d]
		if isred(sib) {
			sib.c, par.c = BLACK, RED
			h._rotate(par, d)
			sib = par.kid[1-d]
		}
		if !isred(sib.kid[0]) && !isred(sib.kid[1]) {
			sib.c = RED
			nn = par
			par = nn.p
			continue
		}
		if !isred(sib.kid[1-d]) {
			sib.kid[d].c = BLACK
			sib.c = RED
			h._rotate(sib, 1-d)
			sib = par.kid[1-d]
		}
		sib.c = par.c
		par.c = BLACK
		sib.kid[1-d].c = BLACK
		h._rotate(par, d)
		nn = h.root
	}
	if nn != nil {
		nn.c = BLACK
	}
}

func (h *Rbh_t) remove(nn *Rbn_t) {
	var child, par *Rbn_t
	col := nn.c
	if nn.kid[0] == nil || nn.kid[1] == nil {
		child = nn.kid[0]
		if child == nil {
			child = nn.kid[1]
		}
		par = nn.p
		h._transplant(nn, child)
	} else {
		// splice out the successor and put it in nn's place
		succ := nn.kid[1]
		for succ.kid[0] != nil {
			succ = succ.kid[0]
		}
		col = succ.c
		child = succ.kid[1]
		if succ.p == nn {
			par = succ
		} else {
			par = succ.p
			h._transplant(succ, child)
			succ.kid[1] = nn.kid[1]
			succ.kid[1].p = succ
		}
		h._transplant(nn, succ)
		succ.kid[0] = nn.kid[0]
		succ.kid[0].p = succ
		succ.c = nn.c
	}
	nn.p, nn.kid = nil, [2]*Rbn_t{}
	if col == BLACK {
		h._rembalance(par, child)
	}
}

func (h *Rbh_t) _iter1(n *Rbn_t, f func(*Vminfo_t)) {
	if n == nil {
		return
	}
	h._iter1(n.kid[0], f)
	f(&n.vmi)
	h._iter1(n.kid[1], f)
}
