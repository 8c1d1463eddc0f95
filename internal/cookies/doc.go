// Package cookies resolves per-domain authentication cookie files for fetch
// requests. Sites that gate media behind logins get a Netscape cookie file
// dropped into the cookie directory; resolution picks the most specific
// domain match for a URL.
package cookies
