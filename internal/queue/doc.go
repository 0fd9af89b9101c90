// Package queue manages task envelopes, result records and the priority
// sub-queues they live on. It provides the client through which all work
// enters the system and through which workers and the error handler record
// lifecycle transitions, ensuring every status change is a legal step in the
// task state machine.
package queue
