// rp provides relying-party support for OpenID 1.x and 2.0 authentication:
// the openid package implements the consumer half of the protocol (discovery,
// associations, response verification, replay protection), openid/store its
// persistence backends, and openid/extension the message extensions.
package rp
