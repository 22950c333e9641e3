// Package crypto provides the cryptographic primitives ACS treats as
// subordinate collaborators: prime-field arithmetic, a keyed hash, Merkle
// commitments, erasure coding, and pairwise message authentication.
package crypto

import (
	"crypto/rand"
	"math/big"
)

// Prime is the field modulus shared by every secret-sharing and coin
// instance in the engine: the secp256k1 base-field prime p (the curve's
// field modulus, not its group order).
var Prime, _ = new(big.Int).SetString("FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFEFFFFFC2F", 16)

// FieldElement is a value in Z_Prime with a canonical 32-byte big-endian
// encoding, used wherever the spec calls for an opaque field element
// (ASKS secrets, coin shares, ranks).
type FieldElement struct {
	v *big.Int
}

func NewFieldElement(v *big.Int) FieldElement {
	return FieldElement{v: new(big.Int).Mod(v, Prime)}
}

func FieldElementFromInt64(v int64) FieldElement {
	return NewFieldElement(big.NewInt(v))
}

// RandomFieldElement samples a uniform element of the field.
func RandomFieldElement() (FieldElement, error) {
	v, err := rand.Int(rand.Reader, Prime)
	if err != nil {
		return FieldElement{}, err
	}
	return FieldElement{v: v}, nil
}

func (f FieldElement) Add(o FieldElement) FieldElement {
	return NewFieldElement(new(big.Int).Add(f.big(), o.big()))
}

func (f FieldElement) Mul(o FieldElement) FieldElement {
	return NewFieldElement(new(big.Int).Mul(f.big(), o.big()))
}

func (f FieldElement) Sub(o FieldElement) FieldElement {
	return NewFieldElement(new(big.Int).Sub(f.big(), o.big()))
}

func (f FieldElement) Neg() FieldElement {
	return NewFieldElement(new(big.Int).Neg(f.big()))
}

func (f FieldElement) Inverse() FieldElement {
	return FieldElement{v: new(big.Int).ModInverse(f.big(), Prime)}
}

// Cmp gives a total order over canonical encodings, used to break rank ties
// deterministically.
func (f FieldElement) Cmp(o FieldElement) int {
	return f.big().Cmp(o.big())
}

func (f FieldElement) IsZero() bool {
	return f.big().Sign() == 0
}

// Mod2 returns the element's parity once reduced to {0,1}, used to turn a
// reconstructed coin into a BBA bit.
func (f FieldElement) Mod2() int {
	return int(new(big.Int).Mod(f.big(), big.NewInt(2)).Int64())
}

func (f FieldElement) big() *big.Int {
	if f.v == nil {
		return big.NewInt(0)
	}
	return f.v
}

// Bytes returns the canonical 32-byte big-endian encoding.
func (f FieldElement) Bytes() []byte {
	buf := make([]byte, 32)
	b := f.big().Bytes()
	copy(buf[32-len(b):], b)
	return buf
}

func FieldElementFromBytes(b []byte) FieldElement {
	return NewFieldElement(new(big.Int).SetBytes(b))
}

func (f FieldElement) String() string {
	return f.big().String()
}

// Polynomial is a univariate polynomial over the field, coefficients in
// increasing degree order, used for Shamir sharing and coin-share schedules.
type Polynomial struct {
	Coeffs []FieldElement
}

// NewRandomPolynomial samples a degree-t polynomial with constant term
// fixed to secret.
func NewRandomPolynomial(degree int, secret FieldElement) (*Polynomial, error) {
	coeffs := make([]FieldElement, degree+1)
	coeffs[0] = secret
	for i := 1; i <= degree; i++ {
		r, err := RandomFieldElement()
		if err != nil {
			return nil, err
		}
		coeffs[i] = r
	}
	return &Polynomial{Coeffs: coeffs}, nil
}

// Evaluate computes p(x) via Horner's method.
func (p *Polynomial) Evaluate(x FieldElement) FieldElement {
	result := FieldElementFromInt64(0)
	for i := len(p.Coeffs) - 1; i >= 0; i-- {
		result = result.Mul(x).Add(p.Coeffs[i])
	}
	return result
}

// SharePoint is one (x, f(x)) evaluation used as a Shamir share.
type SharePoint struct {
	X FieldElement
	Y FieldElement
}

// InterpolateAtZero evaluates the unique degree-(len(points)-1) polynomial
// through points at x=0, i.e. recovers the shared secret.
func InterpolateAtZero(points []SharePoint) FieldElement {
	result := FieldElementFromInt64(0)
	for j := range points {
		num := FieldElementFromInt64(1)
		den := FieldElementFromInt64(1)
		for m := range points {
			if m == j {
				continue
			}
			num = num.Mul(points[m].X.Neg())
			den = den.Mul(points[j].X.Sub(points[m].X))
		}
		term := points[j].Y.Mul(num).Mul(den.Inverse())
		result = result.Add(term)
	}
	return result
}
