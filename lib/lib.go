// Package lib groups the packages implementing the comment gate. A submitted text goes through
// the following steps, each one in its own package:
//
//   - tokenizer: normalizes the text (lowercase, punctuation replaced by spaces) and encodes words
//     to a fixed-length sequence of vocabulary ids: start id, word ids (unknown id for words not in
//     the vocabulary), pad ids up to the encoding length.
//
//   - inference: classifies the sequence with a binary model returning [not-spam, spam]
//     probabilities. The model is loaded once on first use and shared, concurrent callers
//     wait for the same load. Models are either evaluated in-process (layers) or remotely (serving).
//
//   - moderation: rejects the text if spam probability is strictly above the threshold (0.5 by default).
//
//   - submission: the controller running the steps above for one submission at a time.
//     Accepted messages are published, rejected ones are only rendered.
//
//   - broadcast: delivers accepted messages to other participants over websocket relay, nats
//     or in-process hub.
//
// The vocabulary (vocab package) is immutable after load and can be shared by any number of tokenizers.
package lib
