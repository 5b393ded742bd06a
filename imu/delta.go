package imu

import (
	"time"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/helixrobotics/helixslam/graph"
	"github.com/helixrobotics/helixslam/spatialmath"
)

// delta is a running preintegrated motion increment over one keyframe
// interval, integrated under fixed linearization biases with zero gravity;
// gravity enters at prediction in the world frame.
type delta struct {
	dt float64
	q  quat.Number
	v  r3.Vector
	p  r3.Vector

	cov *mat.SymDense // 15x15 over (δφ, δv, δp, δb_g, δb_a)

	jRotBg *mat.Dense
	jVelBg *mat.Dense
	jVelBa *mat.Dense
	jPosBg *mat.Dense
	jPosBa *mat.Dense
}

func newDelta() *delta {
	return &delta{
		q:      quat.Number{Real: 1},
		cov:    mat.NewSymDense(15, nil),
		jRotBg: mat.NewDense(3, 3, nil),
		jVelBg: mat.NewDense(3, 3, nil),
		jVelBa: mat.NewDense(3, 3, nil),
		jPosBg: mat.NewDense(3, 3, nil),
		jPosBa: mat.NewDense(3, 3, nil),
	}
}

// step integrates one measurement held over dt seconds, propagating the delta,
// its covariance, and the bias Jacobians.
func (d *delta) step(w, a r3.Vector, dt float64, bg, ba r3.Vector, noise NoiseParams) {
	if dt <= 0 {
		return
	}
	wc := w.Sub(bg)
	ac := a.Sub(ba)

	rK := spatialmath.QuatToDense(d.q) // rotation before this step
	rotVec := wc.Mul(dt)
	dqK := spatialmath.RotVecToQuat(rotVec)
	expT := spatialmath.QuatToDense(quat.Conj(dqK)) // Exp(wc dt)^T
	jrStep := spatialmath.RightJacobianSO3(rotVec)
	acSkew := spatialmath.SkewSymmetric(ac)

	// covariance first, with the pre-step Jacobian blocks
	d.propagateCovariance(rK, expT, jrStep, acSkew, dt, noise)

	// bias Jacobians (position depends on the pre-step velocity Jacobians)
	rkAcSkew := mat.NewDense(3, 3, nil)
	rkAcSkew.Mul(rK, acSkew)

	addScaled(d.jPosBg, d.jVelBg, dt)
	addScaledMul(d.jPosBg, rkAcSkew, d.jRotBg, -0.5*dt*dt)
	addScaled(d.jPosBa, d.jVelBa, dt)
	addScaled(d.jPosBa, rK, -0.5*dt*dt)

	addScaledMul(d.jVelBg, rkAcSkew, d.jRotBg, -dt)
	addScaled(d.jVelBa, rK, -dt)

	newJRotBg := mat.NewDense(3, 3, nil)
	newJRotBg.Mul(expT, d.jRotBg)
	jrScaled := mat.NewDense(3, 3, nil)
	jrScaled.Scale(dt, jrStep)
	newJRotBg.Sub(newJRotBg, jrScaled)
	d.jRotBg = newJRotBg

	// state
	rkAc := spatialmath.MulMatVec(rK, ac)
	d.p = d.p.Add(d.v.Mul(dt)).Add(rkAc.Mul(0.5 * dt * dt))
	d.v = d.v.Add(rkAc.Mul(dt))
	d.q = spatialmath.Normalize(quat.Mul(d.q, dqK))
	d.dt += dt
}

// propagateCovariance applies the 15x15 error-state transition
// cov = A cov A^T + B N B^T plus the bias random walks.
func (d *delta) propagateCovariance(rK, expT, jrStep, acSkew *mat.Dense, dt float64, noise NoiseParams) {
	a15 := mat.NewDense(15, 15, nil)
	for i := 0; i < 15; i++ {
		a15.Set(i, i, 1)
	}
	// δφ' = Exp(wc dt)^T δφ - Jr dt δbg
	copyBlock(a15, 0, 0, expT)
	jrDt := mat.NewDense(3, 3, nil)
	jrDt.Scale(-dt, jrStep)
	copyBlock(a15, 0, 9, jrDt)
	// δv' = δv - R skew(ac) dt δφ - R dt δba
	rkSkew := mat.NewDense(3, 3, nil)
	rkSkew.Mul(rK, acSkew)
	tmp := mat.NewDense(3, 3, nil)
	tmp.Scale(-dt, rkSkew)
	copyBlock(a15, 3, 0, tmp)
	tmp2 := mat.NewDense(3, 3, nil)
	tmp2.Scale(-dt, rK)
	copyBlock(a15, 3, 12, tmp2)
	// δp' = δp + δv dt - 0.5 R skew(ac) dt² δφ - 0.5 R dt² δba
	tmp3 := mat.NewDense(3, 3, nil)
	tmp3.Scale(dt, eye3())
	copyBlock(a15, 6, 3, tmp3)
	tmp4 := mat.NewDense(3, 3, nil)
	tmp4.Scale(-0.5*dt*dt, rkSkew)
	copyBlock(a15, 6, 0, tmp4)
	tmp5 := mat.NewDense(3, 3, nil)
	tmp5.Scale(-0.5*dt*dt, rK)
	copyBlock(a15, 6, 12, tmp5)

	propagated := mat.NewDense(15, 15, nil)
	propagated.Mul(a15, d.cov)
	full := mat.NewDense(15, 15, nil)
	full.Mul(propagated, a15.T())

	// measurement noise through B = [Jr dt; R dt; 0.5 R dt²] per channel
	addNoiseBlock(full, 0, jrStep, dt, noise.GyroNoise*noise.GyroNoise)
	addNoiseBlock(full, 3, rK, dt, noise.AccelNoise*noise.AccelNoise)
	addNoiseBlock(full, 6, rK, 0.5*dt*dt, noise.AccelNoise*noise.AccelNoise)
	// bias random walks
	for i := 0; i < 3; i++ {
		full.Set(9+i, 9+i, full.At(9+i, 9+i)+noise.GyroBiasNoise*noise.GyroBiasNoise*dt)
		full.Set(12+i, 12+i, full.At(12+i, 12+i)+noise.AccelBiasNoise*noise.AccelBiasNoise*dt)
	}

	for i := 0; i < 15; i++ {
		for j := i; j < 15; j++ {
			// symmetrize against accumulated round-off
			d.cov.SetSym(i, j, 0.5*(full.At(i, j)+full.At(j, i)))
		}
	}
}

// addNoiseBlock adds (m*scale) N (m*scale)^T with N = sigma2 I to the 3x3
// diagonal block at offset.
func addNoiseBlock(dst *mat.Dense, offset int, m *mat.Dense, scale, sigma2 float64) {
	b := mat.NewDense(3, 3, nil)
	b.Scale(scale, m)
	q := mat.NewDense(3, 3, nil)
	q.Mul(b, b.T())
	q.Scale(sigma2, q)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			dst.Set(offset+i, offset+j, dst.At(offset+i, offset+j)+q.At(i, j))
		}
	}
}

// export copies the delta into the wire form consumed by the constraint.
func (d *delta) export(bg, ba r3.Vector) *graph.PreintegratedDelta {
	cov := mat.NewSymDense(15, nil)
	cov.CopySym(d.cov)
	return &graph.PreintegratedDelta{
		Dt:     time.Duration(d.dt * float64(time.Second)),
		DeltaQ: d.q,
		DeltaV: d.v,
		DeltaP: d.p,
		Cov:    cov,
		JRotBg: cloneDense(d.jRotBg),
		JVelBg: cloneDense(d.jVelBg),
		JVelBa: cloneDense(d.jVelBa),
		JPosBg: cloneDense(d.jPosBg),
		JPosBa: cloneDense(d.jPosBa),
		Bg:     bg,
		Ba:     ba,
	}
}

func copyBlock(dst *mat.Dense, row, col int, src *mat.Dense) {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			dst.Set(row+i, col+j, src.At(i, j))
		}
	}
}

func addScaled(dst, src *mat.Dense, s float64) {
	tmp := mat.NewDense(3, 3, nil)
	tmp.Scale(s, src)
	dst.Add(dst, tmp)
}

func addScaledMul(dst, a, b *mat.Dense, s float64) {
	tmp := mat.NewDense(3, 3, nil)
	tmp.Mul(a, b)
	tmp.Scale(s, tmp)
	dst.Add(dst, tmp)
}

func cloneDense(m *mat.Dense) *mat.Dense {
	out := mat.NewDense(3, 3, nil)
	out.Copy(m)
	return out
}

func eye3() *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}
