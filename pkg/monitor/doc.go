// Package monitor reconciles the assignment ledger with the board. At
// startup it repairs state left behind by a crash; afterwards a periodic
// cycle detects tasks that were reverted, reassigned, completed elsewhere,
// or deleted, releases their assignments, and flags repeat offenders.
package monitor
