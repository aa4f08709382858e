// Package redis keeps run event logs in Redis lists so that any API node can
// replay the progress of an asynchronous run, including runs executed by
// workers on other nodes.
package redis
