/*
openid is a package for OpenID 1.x/2.0 relying parties.  It drives the
authentication handshake on behalf of a web application and persists the
protocol state (associations and replay nonces) in a backing store.

A flow has two halves.  Begin resolves the user's identifier to a provider,
negotiates an association, and hands the web layer either a redirect target
or an auto-submitting HTML form; the web layer must terminate the request
after acting on it.  When the provider sends the user back, Complete
verifies the response (return URL, discovered endpoint, signature, replay
nonce) and returns one of four outcomes: Success with the verified
Identifier, Failure, Cancelled, or SetupNeeded.

	cfg, err := openid.NewConfig("https://rp.example/app")
	if err != nil { ... }
	stores, err := store.NewAdapter(db, store.DialectPostgres)
	if err != nil { ... }
	consumer, err := openid.NewConsumer(cfg, stores)
	if err != nil { ... }

	// login handler
	res, err := consumer.Begin(ctx, sess, userTypedID, "https://rp.example/app/return")
	if err != nil { ... }
	if res.IsRedirect() {
		http.Redirect(w, r, res.RedirectURL(), http.StatusFound)
	} else {
		w.Header().Set("Content-Type", "text/html")
		w.Write(res.FormHTML())
	}
	return // the request ends here either way

	// return handler
	outcome, err := consumer.Complete(ctx, sess, r.URL.Query(), currentURL)

Identifier normalization and YADIS/HTML discovery are delegated to
github.com/yohcop/openid-go behind the Discoverer interface; everything
above that (association negotiation, signatures, nonces, outcome
classification) lives here.
*/
package openid
