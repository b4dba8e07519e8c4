package sqlinline

// Every job query selects the same column list so repositories can share one scanner.
// The owner's chat identity rides along for delivery.

const QSelectJobByIdempotencyKey = `--sql 58d4e4c8-f505-4b6c-9b5e-9eb3337764f4
select j.id, j.owner_id, (select u.chat_id from users u where u.id = j.owner_id), j.idempotency_key,
       j.status, j.attempts, j.payload, j.input_reference, j.external_task_id, j.output_reference,
       j.error_summary, j.error_kind, j.refunded, j.available_at, j.created_at, j.started_at, j.finished_at
from jobs j
where j.idempotency_key = $1::text
limit 1;
`

const QSelectJobByID = `--sql 3b2e182c-35d0-4ceb-a835-173092c0c0a7
select j.id, j.owner_id, (select u.chat_id from users u where u.id = j.owner_id), j.idempotency_key,
       j.status, j.attempts, j.payload, j.input_reference, j.external_task_id, j.output_reference,
       j.error_summary, j.error_kind, j.refunded, j.available_at, j.created_at, j.started_at, j.finished_at
from jobs j
where j.id = $1::uuid;
`

const QEnsureOwner = `--sql 9f924d68-0525-46c1-a48e-a5e2f9425915
insert into users (id, balance, created_at, updated_at)
values ($1::uuid, 0, now(), now())
on conflict (id) do nothing;
`

const QLockOwnerBalance = `--sql 803e550f-9f98-4c00-8522-8acfd8c32a95
select balance
from users
where id = $1::uuid
for update;
`

const QDebitBalance = `--sql af068578-4b8c-4523-8890-daf95e789373
update users
set balance = balance - 1,
    updated_at = now()
where id = $1::uuid
  and balance >= 1
returning balance;
`

const QInsertQueuedJob = `--sql bdd24b01-2c11-425a-b4ee-77fe46349e2d
insert into jobs as j (id, owner_id, idempotency_key, status, attempts, payload, input_reference, refunded, available_at, created_at)
values ($1::uuid, $2::uuid, $3::text, 'queued', 0, $4::jsonb, $5::text, false, now(), now())
on conflict (idempotency_key) do nothing
returning j.id, j.owner_id, (select u.chat_id from users u where u.id = j.owner_id), j.idempotency_key,
          j.status, j.attempts, j.payload, j.input_reference, j.external_task_id, j.output_reference,
          j.error_summary, j.error_kind, j.refunded, j.available_at, j.created_at, j.started_at, j.finished_at;
`

const QClaimNextQueuedJob = `--sql a7e34415-4b16-4b2e-bbd2-d5ada1e57f63
with next_job as (
    select id
    from jobs
    where status = 'queued'
      and available_at <= now()
    order by created_at asc
    for update skip locked
    limit 1
)
update jobs j
set status = 'processing',
    started_at = now(),
    attempts = j.attempts + 1
from next_job
where j.id = next_job.id
returning j.id, j.owner_id, (select u.chat_id from users u where u.id = j.owner_id), j.idempotency_key,
          j.status, j.attempts, j.payload, j.input_reference, j.external_task_id, j.output_reference,
          j.error_summary, j.error_kind, j.refunded, j.available_at, j.created_at, j.started_at, j.finished_at;
`

// QApplyJobPatch keeps finished_at consistent with the resulting status and
// refuses to move a terminal job to a different status. A non-null $8 fences
// the write to the processing claim with that attempt.
const QApplyJobPatch = `--sql 78c49d57-c74e-494b-9bbf-797e6583479d
update jobs j
set status = coalesce($2::text, j.status),
    external_task_id = coalesce($3::text, j.external_task_id),
    output_reference = coalesce($4::text, j.output_reference),
    error_summary = coalesce($5::text, j.error_summary),
    error_kind = coalesce($6::text, j.error_kind),
    finished_at = case
        when coalesce($2::text, j.status) in ('done', 'failed') then coalesce(j.finished_at, $7::timestamptz, now())
        else null
    end
where j.id = $1::uuid
  and (j.status not in ('done', 'failed') or coalesce($2::text, j.status) = j.status)
  and ($8::int is null or (j.status = 'processing' and j.attempts = $8::int))
returning j.status;
`

const QSelectJobStatus = `--sql 2a73149a-18ca-4acc-92e9-8a74f1c2355b
select status
from jobs
where id = $1::uuid;
`

const QRequeueJob = `--sql 9c1839b7-266a-47a2-a9da-bda55b0e15ed
update jobs
set status = 'queued',
    started_at = null,
    available_at = $2::timestamptz
where id = $1::uuid
  and status = 'processing'
  and attempts = $3::int;
`

const QRefundCredit = `--sql d4375236-a46e-49c6-856b-6bb32aee2aa7
update users
set balance = balance + 1,
    updated_at = now()
where id = $1::uuid
returning balance;
`

// QMarkFailedRefunded flips refunded exactly once; a second caller gets no row.
// A non-null $4 fences the write to the processing claim with that attempt.
const QMarkFailedRefunded = `--sql 50ac03cb-c8b8-4ab4-bf5b-6ea6541f4220
update jobs j
set status = 'failed',
    error_summary = coalesce($2::text, j.error_summary),
    error_kind = coalesce($3::text, j.error_kind),
    finished_at = coalesce(j.finished_at, now()),
    refunded = true
where j.id = $1::uuid
  and j.refunded = false
  and j.status <> 'done'
  and ($4::int is null or (j.status = 'processing' and j.attempts = $4::int))
returning j.owner_id;
`

const QSelectUnrefundedFailedJobs = `--sql 57bb0dd1-b1e0-48de-bcd7-7502a81c258f
select id
from jobs
where status = 'failed'
  and refunded = false
order by finished_at asc nulls first
limit $1;
`

const QSelectStuckJobs = `--sql 351f342f-02b8-4dfd-87e2-9dd18173f287
select id, attempts
from jobs
where status = 'processing'
  and started_at < now() - make_interval(secs => $1::double precision)
order by started_at asc
limit $2;
`

const QListJobsByOwner = `--sql 4b913663-6a44-4faf-acf0-677a9a6c0aa6
select id,
       status,
       coalesce(payload->>'template_id', '') as template_id,
       attempts,
       output_reference,
       error_summary,
       created_at,
       finished_at
from jobs
where owner_id = $1::uuid
order by created_at desc
limit $2;
`

const QJobQueuePosition = `--sql 3254419f-0e4c-4670-8e30-3c36d6749d2d
select count(q.id) + 1
from jobs j
left join jobs q
  on q.status in ('queued', 'processing')
 and q.created_at < j.created_at
where j.id = $1::uuid
group by j.id;
`

const QSelectOwnerBalance = `--sql a5e435c8-d1ce-4c0b-a300-f6fdd6387c07
select balance
from users
where id = $1::uuid;
`
