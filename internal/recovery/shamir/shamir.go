// Package shamir implements threshold secret sharing over GF(2^521-1).
//
// Shares are ASCII strings "<decimal x>-<hex y>". Combine interpolates whatever
// points it is given; below the threshold it returns an unrelated value rather
// than an error. SplitVerified and CombineVerified add a checksum for callers that
// need to detect that case.
package shamir

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// secretHexLen is the minimum width of a reconstructed secret (32 bytes).
const secretHexLen = 64

// Prime is the 13th Mersenne prime, 2^521 - 1.
var Prime = func() *big.Int {
	p := new(big.Int).Lsh(big.NewInt(1), 521)
	return p.Sub(p, big.NewInt(1))
}()

type point struct {
	x *big.Int
	y *big.Int
}

// Split shares secretHex into n points of a random polynomial of degree k-1
// evaluated at x = 1..n. It returns nil when k < 1, n < 1, k > n, the secret is
// not hex or the secret does not fit the field.
func Split(secretHex string, k, n int) []string {
	shares, err := split(secretHex, k, n)
	if err != nil {
		return nil
	}
	return shares
}

func split(secretHex string, k, n int) ([]string, error) {
	if k < 1 || n < 1 || k > n {
		return nil, fmt.Errorf("invalid threshold %d of %d", k, n)
	}
	secret, ok := new(big.Int).SetString(strings.TrimSpace(secretHex), 16)
	if !ok || secret.Sign() < 0 {
		return nil, fmt.Errorf("secret is not hex")
	}
	if secret.Cmp(Prime) >= 0 {
		return nil, fmt.Errorf("secret exceeds field")
	}

	coeffs := make([]*big.Int, k)
	coeffs[0] = secret
	for i := 1; i < k; i++ {
		c, err := rand.Int(rand.Reader, Prime)
		if err != nil {
			return nil, err
		}
		coeffs[i] = c
	}

	shares := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		x := big.NewInt(int64(i))
		shares = append(shares, formatShare(x, evaluate(coeffs, x)))
	}
	return shares, nil
}

// evaluate computes the polynomial at x with Horner's rule.
func evaluate(coeffs []*big.Int, x *big.Int) *big.Int {
	y := new(big.Int)
	for i := len(coeffs) - 1; i >= 0; i-- {
		y.Mul(y, x)
		y.Add(y, coeffs[i])
		y.Mod(y, Prime)
	}
	return y
}

func formatShare(x, y *big.Int) string {
	return x.String() + "-" + y.Text(16)
}

func parseShare(share string) (point, bool) {
	parts := strings.Split(strings.TrimSpace(share), "-")
	if len(parts) != 2 {
		return point{}, false
	}
	xv, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return point{}, false
	}
	y, ok := new(big.Int).SetString(parts[1], 16)
	if !ok || y.Sign() < 0 {
		return point{}, false
	}
	return point{x: big.NewInt(xv), y: y}, true
}

func parseShares(shares []string) []point {
	points := make([]point, 0, len(shares))
	for _, s := range shares {
		if p, ok := parseShare(s); ok {
			points = append(points, p)
		}
	}
	return points
}

// Combine reconstructs f(0) from the parseable shares. Unparseable entries are
// skipped. It returns "" when no share parses or interpolation is impossible
// (two shares with the same x).
func Combine(shares []string) string {
	points := parseShares(shares)
	if len(points) == 0 {
		return ""
	}
	secret, err := interpolate(points)
	if err != nil {
		return ""
	}
	return encodeSecret(secret)
}

func encodeSecret(v *big.Int) string {
	h := v.Text(16)
	if len(h)%2 != 0 {
		h = "0" + h
	}
	if len(h) < secretHexLen {
		h = strings.Repeat("0", secretHexLen-len(h)) + h
	}
	return h
}

// interpolate evaluates the Lagrange polynomial through points at x = 0.
func interpolate(points []point) (*big.Int, error) {
	secret := new(big.Int)
	for j, pj := range points {
		num := big.NewInt(1)
		den := big.NewInt(1)
		for m, pm := range points {
			if m == j {
				continue
			}
			num.Mul(num, new(big.Int).Neg(pm.x))
			num.Mod(num, Prime)
			den.Mul(den, new(big.Int).Sub(pj.x, pm.x))
			den.Mod(den, Prime)
		}
		inv, err := modInverse(den, Prime)
		if err != nil {
			return nil, err
		}
		term := new(big.Int).Mul(pj.y, num)
		term.Mul(term, inv)
		secret.Add(secret, term)
		secret.Mod(secret, Prime)
	}
	return secret, nil
}

func modInverse(k, p *big.Int) (*big.Int, error) {
	g, x := extendedGCD(new(big.Int).Mod(k, p), p)
	if g.Cmp(big.NewInt(1)) != 0 {
		return nil, fmt.Errorf("no inverse for %s", k.String())
	}
	return x.Mod(x, p), nil
}

// extendedGCD returns gcd(a, b) and the Bezout coefficient of a.
func extendedGCD(a, b *big.Int) (*big.Int, *big.Int) {
	a = new(big.Int).Set(a)
	b = new(big.Int).Set(b)
	x0, x1 := big.NewInt(1), big.NewInt(0)
	q, r := new(big.Int), new(big.Int)
	for b.Sign() != 0 {
		q.QuoRem(a, b, r)
		a, b = b, new(big.Int).Set(r)
		next := new(big.Int).Mul(q, x1)
		x0, x1 = x1, next.Sub(x0, next)
	}
	return a, x0
}
