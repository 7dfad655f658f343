// Package fine implements fine assessment for late returns. Assessment is a
// pure function of loan metadata so that the same inputs always produce the
// same amount, regardless of when or where it runs.
package fine

import "time"

const day = 24 * time.Hour

// Assess computes the fine for a return. Days late are rounded up: any
// partial day past the due date counts as a full day. Returns 0 when the
// copy came back on time.
func Assess(dueDate, returnDate time.Time, dailyRate int64) int64 {
	if !returnDate.After(dueDate) {
		return 0
	}

	late := returnDate.Sub(dueDate)
	daysLate := int64(late / day)
	if late%day > 0 {
		daysLate++
	}

	return daysLate * dailyRate
}
