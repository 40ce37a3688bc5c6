// Package token implements the JSON-RPC 2.0 client for the access token
// service. The service answers method WeChat.AccessToken with
// {"result": {"access_token": "..."}}.
package token
