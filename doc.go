// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

// Package meter holds the types shared by the metering packages: the
// rate limited and billed Subject, the injectable Clock and the
// sentinel errors returned across the module.
//
// The algorithmic parts live in sub packages:
//
//   - window computes fixed rate limit windows
//   - ratelimit decides allow or deny over stored window counters
//   - usage folds API calls into monthly summaries
//   - billing turns closed monthly summaries into invoices
//
// Persistence is always delegated to a store (see store/pgstore and
// store/memstore). No package keeps counters in process memory between
// calls since several processes may share one store.
package meter
