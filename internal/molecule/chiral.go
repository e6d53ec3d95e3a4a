package molecule

import "math"

// ChiralCarbons returns the zero-based indices of every chiral carbon.
// Hydrogenate must have been called first.
func ChiralCarbons(mol *Molecule) []int {
	var result []int
	for i := range mol.Atoms {
		if IsChiralCarbon(mol, i) {
			result = append(result, i)
		}
	}
	return result
}

// Heteroatoms returns every atom that is neither carbon nor hydrogen.
func Heteroatoms(mol *Molecule) []int {
	var result []int
	for i, a := range mol.Atoms {
		if a.Element != "C" && a.Element != "H" {
			result = append(result, i)
		}
	}
	return result
}

// IsChiralCarbon reports whether the carbon at idx carries four different
// substituents, comparing branches to a depth bound.
func IsChiralCarbon(mol *Molecule, idx int) bool {
	if mol.Atoms[idx].Element != "C" {
		return false
	}
	h, subs := mol.branches(idx, -1)

	// 4+0 or 3+1 substitution pattern
	if !(len(subs) == 4 && h == 0) && !(len(subs) == 3 && h == 1) {
		return false
	}
	ttl := int(3 + math.Sqrt(float64(len(mol.Atoms))))
	for i := 0; i < len(subs); i++ {
		for j := i + 1; j < len(subs); j++ {
			if sameBranch(mol, idx, subs[i], idx, subs[j], ttl) {
				return false
			}
		}
	}
	return true
}

// branches counts the hydrogens on atom (implicit plus terminal explicit H)
// and returns the remaining bonds, leaving out the bond it was reached by.
func (m *Molecule) branches(atom, via int) (h int, subs []int) {
	h = m.Atoms[atom].HCount
	for _, b := range m.AtomBonds(atom) {
		if b == via {
			continue
		}
		other := m.Bonds[b].Other(atom)
		if m.Atoms[other].Element == "H" && len(m.AtomBonds(other)) == 1 {
			h++
		} else {
			subs = append(subs, b)
		}
	}
	return h, subs
}

// sameBranch reports whether walking bond1 from atom1 and bond2 from atom2
// reaches identical substituents. Beyond ttl levels branches count as equal.
func sameBranch(mol *Molecule, atom1, bond1, atom2, bond2, ttl int) bool {
	if ttl < 0 {
		return true
	}
	b1, b2 := mol.Bonds[bond1], mol.Bonds[bond2]
	if b1.Order != b2.Order {
		return false
	}
	n1, n2 := b1.Other(atom1), b2.Other(atom2)
	if mol.Atoms[n1].Element != mol.Atoms[n2].Element {
		return false
	}

	h1, subs1 := mol.branches(n1, bond1)
	h2, subs2 := mol.branches(n2, bond2)
	if h1 != h2 || len(subs1) != len(subs2) {
		return false
	}
	if len(subs1) == 0 {
		return true
	}

	used := make([]bool, len(subs2))
	for _, s1 := range subs1 {
		matched := false
		for j, s2 := range subs2 {
			if used[j] {
				continue
			}
			if sameBranch(mol, n1, s1, n2, s2, ttl-1) {
				used[j] = true
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}
