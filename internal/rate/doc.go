// Package rate implements Redis fixed-window counters for login and refresh
// throttling.
//
// Each counter is INCR followed by EXPIRE on the first hit. Keys, under the
// configured prefix:
//   - rl:login:<email>  failed logins per normalized email
//   - rl:ip:<ip>        failed logins per client IP
//   - rl:refresh:<fid>  refreshes per session family
package rate
